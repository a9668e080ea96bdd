// Package storage is the single embedded relational store shared by every
// service. SQLite via GORM with the pure-Go glebarez driver, WAL mode.
package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage wraps the shared database handle.
type Storage struct {
	DB *gorm.DB
}

// Open initializes the database at path, applies pragmas and migrates the
// schema. Schema evolution is additive: AutoMigrate adds new columns and
// tables and never drops data.
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")
	db.Exec("PRAGMA foreign_keys=ON;")

	if err := db.AutoMigrate(
		&FileRecord{},
		&QueueTask{},
		&DedupeGroup{},
		&DedupeFile{},
		&SourceURL{},
		&DownloadJob{},
		&Bundle{},
		&BundleAsset{},
		&SafetensorsCacheEntry{},
		&AILookupJob{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close issues the optimize pragma and closes the underlying connection.
func (s *Storage) Close() error {
	s.DB.Exec("PRAGMA optimize;")
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// RecoverOrphans resets rows a previous process left mid-flight: running
// queue tasks back to pending, running download jobs back to queued.
// Returns the number of rows touched.
func (s *Storage) RecoverOrphans() (int64, error) {
	var total int64

	res := s.DB.Model(&QueueTask{}).
		Where("status = ?", StatusRunning).
		Updates(map[string]interface{}{
			"status":            StatusPending,
			"started_at":        nil,
			"bytes_transferred": 0,
			"error_message":     nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected

	res = s.DB.Model(&DownloadJob{}).
		Where("status = ?", JobRunning).
		Updates(map[string]interface{}{
			"status":     JobQueued,
			"updated_at": NowISO(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected

	return total, nil
}
