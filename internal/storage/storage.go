// Package storage persists session lifecycle events as an audit trail.
// Backed by GORM with SQLite (pure Go, no CGO, via glebarez/sqlite) by default
// and PostgreSQL as the shared-deployment option.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/session"
)

// EventRecord is one persisted lifecycle event.
type EventRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Type       string    `gorm:"index;size:64" json:"type"`
	SessionID  string    `gorm:"index;size:64" json:"session_id"`
	At         time.Time `gorm:"index" json:"at"`
	Cause      string    `gorm:"size:32" json:"cause,omitempty"`
	Op         string    `gorm:"size:16" json:"op,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `gorm:"size:1024" json:"error,omitempty"`
}

// TableName keeps the table name stable regardless of GORM pluralization rules.
func (EventRecord) TableName() string { return "session_events" }

// Store is the audit trail handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured backend and runs AutoMigrate.
// A nil storage config falls back to SQLite under the data dir.
func Open(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var db *gorm.DB
	var err error

	switch cfg.StorageDriverName() {
	case "postgres":
		pg := cfg.Storage.Postgres
		db, err = gorm.Open(postgres.Open(pg.DSN), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		maxOpen := pg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		maxIdle := pg.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 5
		}
		lifetime := pg.ConnMaxLifetimeS
		if lifetime <= 0 {
			lifetime = 1800
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
		sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	default: // "sqlite"
		path := ""
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			path = cfg.Storage.SQLite.Path
			if cfg.Storage.SQLite.JournalMode != "" {
				journalMode = cfg.Storage.SQLite.JournalMode
			}
		}
		if path == "" {
			path = cfg.DatabasePath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", filepath.Dir(path), err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	}

	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db, logger: slogger}, nil
}

// Append persists one lifecycle event.
func (s *Store) Append(ctx context.Context, ev session.Event) error {
	rec := EventRecord{
		Type:       string(ev.Type),
		SessionID:  ev.SessionID,
		At:         ev.At,
		Cause:      string(ev.Cause),
		Op:         ev.Op,
		ExitCode:   ev.ExitCode,
		TimedOut:   ev.TimedOut,
		DurationMS: ev.Duration.Milliseconds(),
		Error:      ev.Error,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ListRecent returns the newest events, optionally filtered by session,
// newest first.
func (s *Store) ListRecent(ctx context.Context, sessionID string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("at DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var records []EventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return records, nil
}

// Run drains the event channel into the store until the channel closes or the
// context is done. Persistence failures are logged, never propagated — the
// audit trail must not stall session operations.
func (s *Store) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Append(ctx, ev); err != nil {
				s.logger.Warn("persisting lifecycle event",
					slog.String("type", string(ev.Type)),
					slog.String("session_id", ev.SessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
