package scheduler

import (
	"context"

	"persons-desktop/internal/services/transfer"
)

// ExportStarter starts an export unless one is already running
type ExportStarter interface {
	StartExportIfIdle(ctx context.Context) (transfer.TransferStatus, bool, error)
}

const (
	resultStarted = "started"
	resultSkipped = "skipped: export already running"
)

// ExportListResponse represents a scheduled export in list responses
type ExportListResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Cron       string  `json:"cron"`
	Enabled    bool    `json:"enabled"`
	LastRunAt  *string `json:"last_run_at"` // ISO 8601 format
	LastResult string  `json:"last_result"`
	NextRun    *string `json:"next_run"` // ISO 8601 format
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// UpsertExportRequest represents a request to create or update a scheduled export
type UpsertExportRequest struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"` // 5-field crons are normalised to 6 fields
	Enabled bool   `json:"enabled"`
}
