package database

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"persons-desktop/internal/models"
)

// DefaultDSN keeps all local state in process memory
const DefaultDSN = "file::memory:?cache=shared"

var DB *gorm.DB

// Init opens the local sqlite database and runs auto-migration. Only
// in-memory DSNs are accepted; nothing the client tracks outlives the process.
func Init(dsn string) (*gorm.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	DB = db
	return DB, nil
}

// Open is Init without touching the package-level handle
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if !isMemoryDSN(dsn) {
		return nil, fmt.Errorf("unsupported database DSN %q: only in-memory sqlite is allowed", dsn)
	}

	// Configure GORM logger
	gormLogger := logger.Default.LogMode(logger.Warn)
	if log.IsLevelEnabled(log.DebugLevel) {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// A memory database disappears once its last connection closes, and a
	// second connection to ":memory:" sees a different database. One
	// long-lived connection serves every query.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	log.WithField("dsn", dsn).Debug("Database initialized")
	return db, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.TransferRecord{},
		&models.ScheduledExport{},
	)
}

// Close closes the database connection
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// GetDB returns the database instance (helper for services)
func GetDB() *gorm.DB {
	return DB
}
