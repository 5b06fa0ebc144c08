package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"persons-desktop/internal/models"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service handles scheduled export management and execution
type Service struct {
	db       *gorm.DB
	ctx      context.Context
	cron     *cron.Cron
	jobs     map[string]cron.EntryID // exportID -> cron entry ID
	jobsMu   sync.RWMutex
	exporter ExportStarter
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context, exporter ExportStarter) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:       db,
		ctx:      ctx,
		cron:     c,
		jobs:     make(map[string]cron.EntryID),
		exporter: exporter,
	}
}

// Start starts the cron loop and schedules every enabled export
func (s *Service) Start() error {
	s.cron.Start()

	var exports []models.ScheduledExport
	if err := s.db.Where("enabled = ?", true).Find(&exports).Error; err != nil {
		return fmt.Errorf("failed to load scheduled exports: %w", err)
	}

	for i := range exports {
		export := exports[i]
		if err := s.scheduleJob(&export); err != nil {
			log.Warnf("Failed to schedule export %s (%s): %v", export.Name, export.ID, err)
		} else {
			log.Infof("Scheduled export: %s (%s) with cron: %s", export.Name, export.ID, export.Cron)
		}
	}

	log.Infof("Scheduler started with %d enabled exports", len(exports))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Info("Scheduler stopped")
	}
}

// ListExports retrieves all scheduled exports
func (s *Service) ListExports() ([]ExportListResponse, error) {
	var exports []models.ScheduledExport
	if err := s.db.Order("created_at DESC").Find(&exports).Error; err != nil {
		return nil, fmt.Errorf("failed to list scheduled exports: %w", err)
	}

	responses := make([]ExportListResponse, len(exports))
	for i := range exports {
		responses[i] = toListResponse(&exports[i])
	}

	return responses, nil
}

// UpsertExport creates or updates a scheduled export, keyed by name
func (s *Service) UpsertExport(req UpsertExportRequest) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Cron) == "" {
		return "", fmt.Errorf("name and cron are required")
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	var export models.ScheduledExport
	result := s.db.Where("name = ?", req.Name).First(&export)
	isNew := errors.Is(result.Error, gorm.ErrRecordNotFound)
	if result.Error != nil && !isNew {
		return "", fmt.Errorf("failed to query scheduled export: %w", result.Error)
	}
	if isNew {
		export = models.ScheduledExport{ID: uuid.New().String(), Name: req.Name}
	}

	export.Cron = normalizedCron
	export.Enabled = req.Enabled

	schedule, err := cronParser.Parse(export.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	export.NextRunAt = &nextRun

	if isNew {
		if err := s.db.Create(&export).Error; err != nil {
			return "", fmt.Errorf("failed to create scheduled export: %w", err)
		}
	} else {
		if err := s.db.Save(&export).Error; err != nil {
			return "", fmt.Errorf("failed to update scheduled export: %w", err)
		}
	}

	if err := s.rescheduleJob(export.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule export: %w", err)
	}

	return export.ID, nil
}

// DeleteExport removes a scheduled export
func (s *Service) DeleteExport(exportID string) error {
	s.unschedule(exportID)

	if err := s.db.Delete(&models.ScheduledExport{}, "id = ?", exportID).Error; err != nil {
		return fmt.Errorf("failed to delete scheduled export: %w", err)
	}

	return nil
}

// scheduleJob adds an export to the cron scheduler
func (s *Service) scheduleJob(export *models.ScheduledExport) error {
	s.unschedule(export.ID)
	if !export.Enabled {
		return nil
	}

	exportID := export.ID
	entryID, err := s.cron.AddFunc(export.Cron, func() {
		s.executeJob(exportID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[exportID] = entryID
	s.jobsMu.Unlock()

	return nil
}

func (s *Service) unschedule(exportID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if entryID, exists := s.jobs[exportID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, exportID)
	}
}

// rescheduleJob reloads an export from the database and reschedules it
func (s *Service) rescheduleJob(exportID string) error {
	var export models.ScheduledExport
	if err := s.db.First(&export, "id = ?", exportID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.unschedule(exportID)
			return nil
		}
		return fmt.Errorf("failed to load scheduled export: %w", err)
	}

	return s.scheduleJob(&export)
}

// executeJob runs one scheduled export. A run that finds an export already
// in flight is skipped, never superseding it.
func (s *Service) executeJob(exportID string) {
	fields := log.Fields{"export_id": exportID}

	var export models.ScheduledExport
	if err := s.db.First(&export, "id = ?", exportID).Error; err != nil {
		log.WithFields(fields).Errorf("Failed to load scheduled export: %v", err)
		return
	}

	now := time.Now()
	export.LastRunAt = &now
	if schedule, err := cronParser.Parse(export.Cron); err != nil {
		log.WithFields(fields).Warnf("Failed to parse cron for next run: %v", err)
	} else {
		nextRun := schedule.Next(now)
		export.NextRunAt = &nextRun
	}

	status, started, err := s.exporter.StartExportIfIdle(s.ctx)
	switch {
	case err != nil:
		export.LastResult = err.Error()
		log.WithFields(fields).Errorf("Scheduled export %s failed to start: %v", export.Name, err)
	case !started:
		export.LastResult = resultSkipped
		log.WithFields(fields).Infof("Skipping scheduled export %s: export %s already running", export.Name, status.TaskID)
	default:
		export.LastResult = resultStarted
		log.WithFields(fields).Infof("Scheduled export %s started as task %s", export.Name, status.TaskID)
	}

	if err := s.db.Save(&export).Error; err != nil {
		log.WithFields(fields).Warnf("Failed to update export run times: %v", err)
	}
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toListResponse(export *models.ScheduledExport) ExportListResponse {
	resp := ExportListResponse{
		ID:         export.ID,
		Name:       export.Name,
		Cron:       export.Cron,
		Enabled:    export.Enabled,
		LastResult: export.LastResult,
		CreatedAt:  export.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  export.UpdatedAt.Format(time.RFC3339),
	}

	if export.LastRunAt != nil {
		lastRun := export.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if export.NextRunAt != nil {
		nextRun := export.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
