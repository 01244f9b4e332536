package storage

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed audit-schema.sql
var auditSchemaSQL string

// SQLiteAuditStore implements the AuditLogger interface using SQLite
type SQLiteAuditStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteAuditStore creates a new SQLite-backed audit store
func NewSQLiteAuditStore(dbPath string, logger *zap.Logger) (*SQLiteAuditStore, error) {
	// WAL journal and busy timeout keep short concurrent writers from
	// tripping over "database is locked"
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(auditSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Info("SQLite audit store initialized",
		zap.String("database_path", dbPath),
		zap.String("journal_mode", "WAL"))

	return &SQLiteAuditStore{db: db, logger: logger}, nil
}

// LogEvent implements AuditLogger.LogEvent
func (s *SQLiteAuditStore) LogEvent(event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.NamedExec(`INSERT INTO audit_events
		(id, timestamp, operation, protocol, username, status, detail)
		VALUES (:id, :timestamp, :operation, :protocol, :username, :status, :detail)`, event)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// RecentEvents implements AuditLogger.RecentEvents
func (s *SQLiteAuditStore) RecentEvents(limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	events := []*AuditEvent{}
	err := s.db.Select(&events,
		`SELECT id, timestamp, operation, protocol, username, status, COALESCE(detail, '') AS detail
		 FROM audit_events ORDER BY timestamp DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Close implements AuditLogger.Close
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}
