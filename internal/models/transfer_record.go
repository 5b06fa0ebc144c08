package models

import (
	"time"
)

// TransferRecord is one finished, failed or cancelled import/export attempt
type TransferRecord struct {
	ID            string     `gorm:"primaryKey" json:"id"`          // attempt UUID
	Kind          string     `gorm:"not null;index" json:"kind"`    // import, export
	TaskID        string     `gorm:"column:task_id" json:"task_id"` // server task handle, empty if start failed
	Phase         string     `gorm:"not null" json:"phase"`         // done, errored, idle (cancelled)
	Signal        string     `json:"signal"`                        // imported, partially_imported, ...
	ImportedCount int        `gorm:"not null;default:0" json:"imported_count"`
	RowErrors     string     `gorm:"type:text" json:"row_errors"` // JSON array of strings
	ArtifactURL   string     `gorm:"column:artifact_url" json:"artifact_url"`
	Error         string     `gorm:"type:text" json:"error"`
	Polls         int        `json:"polls"`
	Summary       string     `gorm:"type:text" json:"summary"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `gorm:"index" json:"completed_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName specifies the table name for GORM
func (TransferRecord) TableName() string {
	return "transfer_records"
}
