package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"persons-desktop/internal/models"
	"persons-desktop/internal/services/transfer"
)

const defaultLimit = 20

// Entry is a transfer record as returned to callers
type Entry struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	TaskID        string   `json:"task_id"`
	Phase         string   `json:"phase"`
	Signal        string   `json:"signal"`
	ImportedCount int      `json:"imported_count"`
	RowErrors     []string `json:"row_errors"`
	ArtifactURL   string   `json:"artifact_url,omitempty"`
	Error         string   `json:"error,omitempty"`
	Polls         int      `json:"polls"`
	Summary       string   `json:"summary"`
	StartedAt     *string  `json:"started_at"`   // ISO 8601 format
	CompletedAt   *string  `json:"completed_at"` // ISO 8601 format
}

// Service keeps the transfer history of this session
type Service struct {
	db *gorm.DB
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// RecordTransfer stores a terminal or cancelled attempt. Re-recording the
// same attempt updates it in place.
func (s *Service) RecordTransfer(ctx context.Context, status transfer.TransferStatus) error {
	if status.Errors == nil {
		status.Errors = []string{}
	}
	rowErrors, err := json.Marshal(status.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal row errors: %w", err)
	}

	id := status.AttemptID
	if id == "" {
		id = uuid.New().String()
	}

	record := models.TransferRecord{
		ID:            id,
		Kind:          string(status.Kind),
		TaskID:        string(status.TaskID),
		Phase:         string(status.Phase),
		Signal:        string(status.Signal),
		ImportedCount: status.ImportedCount,
		RowErrors:     string(rowErrors),
		ArtifactURL:   status.ArtifactURL,
		Error:         status.Error,
		Polls:         status.Polls,
		Summary:       Summarize(status),
		StartedAt:     status.StartedAt,
		CompletedAt:   status.CompletedAt,
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save transfer record: %w", err)
	}

	log.WithFields(log.Fields{"kind": record.Kind, "task_id": record.TaskID}).Debugf("Recorded transfer: %s", record.Summary)
	return nil
}

// Recent returns the newest records first. A non-positive limit uses the default.
func (s *Service) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	var records []models.TransferRecord
	if err := s.db.Order("completed_at DESC").Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	entries := make([]Entry, len(records))
	for i := range records {
		entries[i] = toEntry(&records[i])
	}
	return entries, nil
}

// Summarize renders one line describing how an attempt ended
func Summarize(status transfer.TransferStatus) string {
	duration := ""
	if status.StartedAt != nil && status.CompletedAt != nil {
		duration = fmt.Sprintf(" in %s", status.CompletedAt.Sub(*status.StartedAt).Round(time.Millisecond))
	}

	switch status.Signal {
	case transfer.SignalImported:
		return fmt.Sprintf("Imported %d persons%s", status.ImportedCount, duration)
	case transfer.SignalPartiallyImported:
		return fmt.Sprintf("Imported %d persons with %d rejected rows%s", status.ImportedCount, len(status.Errors), duration)
	case transfer.SignalExported:
		return fmt.Sprintf("Exported persons to %s%s", status.ArtifactURL, duration)
	case transfer.SignalCancelled:
		return fmt.Sprintf("%s cancelled after %d polls", capitalize(string(status.Kind)), status.Polls)
	case transfer.SignalImportFailed, transfer.SignalExportFailed:
		return fmt.Sprintf("%s failed: %s", capitalize(string(status.Kind)), status.Error)
	}
	return fmt.Sprintf("%s ended in phase %s", capitalize(string(status.Kind)), status.Phase)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func toEntry(record *models.TransferRecord) Entry {
	entry := Entry{
		ID:            record.ID,
		Kind:          record.Kind,
		TaskID:        record.TaskID,
		Phase:         record.Phase,
		Signal:        record.Signal,
		ImportedCount: record.ImportedCount,
		RowErrors:     []string{},
		ArtifactURL:   record.ArtifactURL,
		Error:         record.Error,
		Polls:         record.Polls,
		Summary:       record.Summary,
	}

	if record.RowErrors != "" {
		if err := json.Unmarshal([]byte(record.RowErrors), &entry.RowErrors); err != nil {
			log.Warnf("Failed to parse row errors of transfer %s: %v", record.ID, err)
		}
		if entry.RowErrors == nil {
			entry.RowErrors = []string{}
		}
	}

	if record.StartedAt != nil {
		started := record.StartedAt.Format(time.RFC3339)
		entry.StartedAt = &started
	}

	if record.CompletedAt != nil {
		completed := record.CompletedAt.Format(time.RFC3339)
		entry.CompletedAt = &completed
	}

	return entry
}
