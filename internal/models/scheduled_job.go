package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduledExport is a recurring CSV export
type ScheduledExport struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"unique;not null" json:"name"`
	Cron       string     `gorm:"not null" json:"cron"` // 5 or 6 field cron expression
	Enabled    bool       `gorm:"not null" json:"enabled"`
	LastRunAt  *time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	LastResult string     `gorm:"column:last_result" json:"last_result"` // started, skipped, or the start error
	NextRunAt  *time.Time `gorm:"column:next_run_at" json:"next_run_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (se *ScheduledExport) BeforeCreate(tx *gorm.DB) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ScheduledExport) TableName() string {
	return "scheduled_exports"
}
