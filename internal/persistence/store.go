// Package persistence keeps a SQLite journal of sessions, task results and
// resolutions. It is a record of what happened, not a resumable queue.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// queryTimeout bounds every statement.
const queryTimeout = 5 * time.Second

// SessionRecord is the journal row for one session.
type SessionRecord struct {
	ID         string
	Title      string
	PlanName   string
	Phase      string
	Progress   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// TaskResultRecord is one dispatched attempt.
type TaskResultRecord struct {
	SessionID  string
	TaskID     string
	AttemptID  string
	Type       string
	Success    bool
	Output     string
	Error      string
	Duration   time.Duration
	RecordedAt time.Time
}

// ResolutionRecord is one resolver verdict.
type ResolutionRecord struct {
	SessionID    string
	TaskID       string
	Attempt      int
	Tier         string
	Fixed        bool
	Skip         bool
	Exhausted    bool
	Analysis     string
	RetryCommand string
	RecordedAt   time.Time
}

// Store defines the journal operations.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// Attempts and verdicts
	SaveTaskResult(ctx context.Context, rec TaskResultRecord) error
	ListTaskResults(ctx context.Context, sessionID string) ([]TaskResultRecord, error)
	SaveResolution(ctx context.Context, rec ResolutionRecord) error
	ListResolutions(ctx context.Context, sessionID string) ([]ResolutionRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Each call gets its
// own database, shared between that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", connStr+"&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for the recorder's writes
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
