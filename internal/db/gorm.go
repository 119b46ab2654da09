package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"afteryou/internal/config"
	"afteryou/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured dialect and migrates the schema.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.DBDriver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DatabaseURL())
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dialector = sqlite.Open(cfg.SQLitePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	default:
		return nil, fmt.Errorf("driver %q has no database", cfg.DBDriver)
	}

	return open(dialector)
}

// NewSQLite opens a sqlite file directly. Tests use it with a temp dir.
func NewSQLite(path string) (*GormDB, error) {
	return open(sqlite.Open(path))
}

func open(dialector gorm.Dialector) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.Entry{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
