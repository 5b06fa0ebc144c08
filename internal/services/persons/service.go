package persons

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"persons-desktop/internal/api"
	"persons-desktop/internal/models"
)

const listEndpoint = "persons/"

// Listener receives the record list after every change
type Listener func(persons []models.Person)

// pageResponse is the paginated shape of GET /persons/
type pageResponse struct {
	Count   int             `json:"count"`
	Results []models.Person `json:"results"`
}

// Service holds the client-side view of the record list
type Service struct {
	client   *api.Client
	listener Listener

	mu       sync.RWMutex
	persons  []models.Person
	search   string
	inflight int // overlapping refreshes
}

// NewService creates a new persons service. listener may be nil.
func NewService(client *api.Client, listener Listener) *Service {
	return &Service{
		client:   client,
		listener: listener,
		persons:  []models.Person{},
	}
}

// Refresh reloads the list from the API, filtered by searchTerm (name or CPF)
func (s *Service) Refresh(ctx context.Context, searchTerm string) error {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	params := map[string]string{"search": searchTerm}
	resp, err := s.client.Get(ctx, listEndpoint, params)
	if err != nil {
		return fmt.Errorf("failed to fetch persons: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("failed to fetch persons: HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	list, err := decodeList(resp.Body())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.persons = list
	s.search = searchTerm
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.WithFields(log.Fields{"search": searchTerm, "count": len(list)}).Debug("Person list refreshed")
	s.emit(snapshot)
	return nil
}

// Persons returns a copy of the current list
func (s *Service) Persons() []models.Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// SearchTerm returns the filter used by the last successful refresh
func (s *Service) SearchTerm() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.search
}

// Loading reports whether a refresh is in flight
func (s *Service) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Delete removes a person remotely, then from the local list without reloading
func (s *Service) Delete(ctx context.Context, id int) error {
	resp, err := s.client.Delete(ctx, fmt.Sprintf("%s%d/", listEndpoint, id))
	if err != nil {
		return fmt.Errorf("failed to delete person %d: %w", id, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("failed to delete person %d: HTTP %d", id, resp.StatusCode())
	}

	s.mu.Lock()
	kept := s.persons[:0:0]
	for _, p := range s.persons {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.persons = kept
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.WithField("person_id", id).Info("Person deleted")
	s.emit(snapshot)
	return nil
}

func (s *Service) snapshotLocked() []models.Person {
	return append([]models.Person{}, s.persons...)
}

func (s *Service) emit(persons []models.Person) {
	if s.listener != nil {
		s.listener(persons)
	}
}

// decodeList accepts either a paginated object or a bare array
func decodeList(body []byte) ([]models.Person, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty persons response")
	}

	if strings.HasPrefix(string(trimmed), "[") {
		var list []models.Person
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to parse persons: %w", err)
		}
		return list, nil
	}

	var page pageResponse
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, fmt.Errorf("failed to parse persons: %w", err)
	}
	if page.Results == nil {
		page.Results = []models.Person{}
	}
	return page.Results, nil
}
