// Package persistence is the authoritative store for the execution engine.
// Tasks, idempotency records, and transition events live in one SQLite
// database; every state change and its audit event commit in one transaction,
// so the full engine state is recoverable from disk alone.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "qf-v1-2026-08-task-ledger-audit"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// TaskState is the lifecycle state of an ExecutionTask.
type TaskState string

const (
	TaskStateQueued          TaskState = "QUEUED"
	TaskStateRunning         TaskState = "RUNNING"
	TaskStateRetryableFailed TaskState = "RETRYABLE_FAILED"
	TaskStateFailedTerminal  TaskState = "FAILED_TERMINAL"
	TaskStateCompleted       TaskState = "COMPLETED"
)

// Terminal reports whether no further transition is accepted from the state.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailedTerminal
}

// allowedTransitions is the full transition table. Enqueue (no prior state)
// is handled separately since it has no from-state.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateQueued: {
		TaskStateRunning: {},
	},
	TaskStateRunning: {
		TaskStateCompleted:       {},
		TaskStateRetryableFailed: {},
		TaskStateFailedTerminal:  {},
	},
	TaskStateRetryableFailed: {
		TaskStateQueued:         {},
		TaskStateFailedTerminal: {}, // operator-forced terminal fail
	},
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Transition reasons recorded on audit events.
const (
	ReasonEnqueue         = "enqueue"
	ReasonClaim           = "claim"
	ReasonRetryEligible   = "retry_eligible"
	ReasonComplete        = "complete"
	ReasonRetryScheduled  = "retry_scheduled"
	ReasonTerminalFailure = "terminal_failure"
	ReasonStaleClaim      = "stale_claim"
)

// Task is one row of the tasks table: a logical action attempt sequence.
type Task struct {
	ID             string     `json:"id"`
	QuoteID        string     `json:"quote_id"`
	OperationKind  string     `json:"operation_kind"`
	OperationKey   string     `json:"operation_key"`
	Payload        string     `json:"payload"`
	State          TaskState  `json:"state"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	AvailableAt    time.Time  `json:"available_at"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	StateVersion   int64      `json:"state_version"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorClass string     `json:"last_error_class,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IdempotencyState mirrors the task lifecycle on the ledger side.
type IdempotencyState string

const (
	IdempotencyReserved       IdempotencyState = "RESERVED"
	IdempotencyCompleted      IdempotencyState = "COMPLETED"
	IdempotencyFailedTerminal IdempotencyState = "FAILED_TERMINAL"
)

// IdempotencyRecord is one row of the idempotency ledger.
type IdempotencyRecord struct {
	OperationKey      string           `json:"operation_key"`
	QuoteID           string           `json:"quote_id"`
	TaskID            string           `json:"task_id"`
	TaskHash          string           `json:"task_hash"`
	State             IdempotencyState `json:"state"`
	ResultFingerprint string           `json:"result_fingerprint,omitempty"`
	AttemptCount      int              `json:"attempt_count"`
	FirstSeenAt       time.Time        `json:"first_seen_at"`
	LastSeenAt        time.Time        `json:"last_seen_at"`
}

// TransitionEvent is one append-only audit row. Events are never updated or
// deleted; the only write path is the in-transaction append performed by the
// task mutation helpers.
type TransitionEvent struct {
	EventID       int64     `json:"event_id"`
	TaskID        string    `json:"task_id"`
	QuoteID       string    `json:"quote_id"`
	FromState     TaskState `json:"from_state,omitempty"`
	ToState       TaskState `json:"to_state"`
	Reason        string    `json:"transition_reason"`
	ErrorClass    string    `json:"error_class,omitempty"`
	ActorID       string    `json:"actor_id"`
	CorrelationID string    `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.quoteflow/quoteflow.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quoteflow", "quoteflow.db")
}

// Open opens (and if needed creates) the database at path and applies the
// schema. Multiple worker processes may open the same file; writes are
// serialized by SQLite with a busy timeout and bounded retry on lock errors.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			quote_id TEXT NOT NULL,
			operation_kind TEXT NOT NULL,
			operation_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('QUEUED', 'RUNNING', 'RETRYABLE_FAILED', 'FAILED_TERMINAL', 'COMPLETED')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL,
			claimed_by TEXT,
			claimed_at DATETIME,
			state_version INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_error_class TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK ((state = 'RUNNING') = (claimed_by IS NOT NULL)),
			CHECK ((state = 'RUNNING') = (claimed_at IS NOT NULL))
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			operation_key TEXT PRIMARY KEY,
			quote_id TEXT NOT NULL,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			task_hash TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('RESERVED', 'COMPLETED', 'FAILED_TERMINAL')),
			result_fingerprint TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 1,
			first_seen_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transition_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			quote_id TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT NOT NULL,
			transition_reason TEXT NOT NULL,
			error_class TEXT,
			actor_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '-',
			occurred_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_eligible ON tasks(state, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_quote ON tasks(quote_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_at ON tasks(state, claimed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_quote ON idempotency_records(quote_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON transition_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_window ON transition_events(occurred_at, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
