// Package storage is the embedded persistence layer: a single shared SQLite
// connection pool in WAL mode behind typed accessors for every table.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaVersion is recorded under app_config on every successful migration.
const SchemaVersion = 1

const schemaVersionKey = "schema_version"

// Storage handles all database operations.
type Storage struct {
	DB *gorm.DB

	sleep func(time.Duration)
}

// Open initializes the database at dbPath, creating the directory tree and
// applying migrations.
func Open(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=30000;")
	db.Exec("PRAGMA foreign_keys=ON;")

	s := &Storage{DB: db, sleep: time.Sleep}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) migrate() error {
	err := s.DB.AutoMigrate(
		&Chat{},
		&DownloadRecord{},
		&CustomDownload{},
		&AuthorizedUser{},
		&QueueEntry{},
		&AppStatistic{},
		&AppConfig{},
	)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return s.SetConfig(schemaVersionKey, SchemaVersion, "applied schema version")
}

// GetSchemaVersion reads the recorded schema version, 0 when unset.
func (s *Storage) GetSchemaVersion() int {
	v, err := s.GetConfigInt(schemaVersionKey)
	if err != nil {
		return 0
	}
	return v
}

// Close closes the underlying connection pool.
func (s *Storage) Close() error {
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

// withRetry re-runs a write on lock contention with 2s/4s/8s backoff before
// surfacing the error.
func (s *Storage) withRetry(fn func() error) error {
	backoff := 2 * time.Second
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}
		s.sleep(backoff)
		backoff *= 2
	}
	return err
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// nowStamp returns the ISO-8601 UTC timestamp used for created_at/updated_at.
func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
