// Package store owns the durable, session-scoped state of the router: the
// background task queue and the feedback ledger. Every hook invocation is a
// separate short-lived process, so nothing lives in memory between events --
// all coordination round-trips through one SQLite database per session
// partition under the cache root.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "hw-v1-2026-08-queue-feedback"
)

var (
	// ErrInvalidCommand rejects an enqueue request with an empty argument vector.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrInvalidTransition marks an illegal task status transition.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStoreUnavailable wraps storage failures that persist beyond the
	// bounded retry budget. Callers degrade instead of failing the event.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Root is the cache directory all session partitions live under. It is passed
// explicitly into every open/purge operation so tests can substitute an
// isolated temporary root.
type Root struct {
	Base string
}

// DefaultRoot places state under ~/.cache/hookwire.
func DefaultRoot() Root {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Root{Base: filepath.Join(home, ".cache", "hookwire")}
}

// sessionKey maps a host session id to a filesystem-safe partition name.
// Empty ids share the "default" partition.
func sessionKey(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 16 {
			break
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// SessionDir returns the partition directory for a session.
func (r Root) SessionDir(sessionID string) string {
	return filepath.Join(r.Base, "sessions", sessionKey(sessionID))
}

// IncomingDir returns the drop-in directory external callers queue tasks through.
func (r Root) IncomingDir(sessionID string) string {
	return filepath.Join(r.SessionDir(sessionID), "incoming")
}

// OutputDir returns the directory background task stdout/stderr is captured in.
func (r Root) OutputDir(sessionID string) string {
	return filepath.Join(r.SessionDir(sessionID), "output")
}

// LogDir returns the root-scoped log directory (shared across sessions).
func (r Root) LogDir() string {
	return filepath.Join(r.Base, "logs")
}

// PurgeSession removes the entire partition for a session. This is the whole
// of session cleanup: queue records, feedback records, captured output.
func (r Root) PurgeSession(sessionID string) error {
	return os.RemoveAll(r.SessionDir(sessionID))
}

// PurgeSessionsOlderThan removes partitions whose database has not been
// touched within age. Returns the number of partitions removed.
func (r Root) PurgeSessionsOlderThan(age time.Duration) (int, error) {
	dir := filepath.Join(r.Base, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, e.Name(), "state.db"))
		if err != nil {
			// Partition without a database: judge by the directory itself.
			info, err = e.Info()
			if err != nil {
				continue
			}
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Store is a handle to one session's state database.
type Store struct {
	db        *sql.DB
	root      Root
	sessionID string
}

// Open creates or opens the state database for a session partition.
func Open(root Root, sessionID string) (*Store, error) {
	dir := root.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", filepath.Join(dir, "state.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, root: root, sessionID: sessionID}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) SessionID() string {
	return s.sessionID
}

func (s *Store) Root() Root {
	return s.root
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
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
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS background_tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			command JSON NOT NULL,
			source TEXT NOT NULL DEFAULT 'unknown',
			timeout_seconds INTEGER NOT NULL DEFAULT 120,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed', 'timed_out')),
			enqueued_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			pid INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			stdout_path TEXT NOT NULL DEFAULT '',
			stderr_path TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES background_tasks(id),
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS feedback_items (
			issue_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			content TEXT NOT NULL,
			task_id TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info' CHECK(severity IN ('info', 'warn', 'error')),
			category TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT 'show_once' CHECK(strategy IN ('always', 'show_once', 'summary_after_first', 'defer_until_commit')),
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			times_shown INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON background_tasks(status, enqueued_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready ON background_tasks(status, delivered_at, finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_last_seen ON feedback_items(last_seen);`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_strategy ON feedback_items(strategy, times_shown);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout. The queue's
// claim path races against overlapping invocations of the router, so lock
// contention is expected, not exceptional.
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
// The error string is matched to avoid importing the sqlite3 package outside
// the driver registration.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// mapUnavailable converts exhausted-contention and I/O failures into
// ErrStoreUnavailable so callers can degrade uniformly.
func mapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidCommand) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if isSQLiteBusy(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// PurgeOlderThan removes delivered terminal tasks and stale feedback older
// than age. Invoked opportunistically; failures are non-fatal to the caller.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age)
	err := retryOnBusy(ctx, 3, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events WHERE task_id IN (
				SELECT id FROM background_tasks
				WHERE status IN ('completed', 'failed', 'timed_out')
				  AND delivered_at IS NOT NULL AND finished_at < ?
			);
		`, cutoff); err != nil {
			return fmt.Errorf("purge task events: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM background_tasks
			WHERE status IN ('completed', 'failed', 'timed_out')
			  AND delivered_at IS NOT NULL AND finished_at < ?;
		`, cutoff); err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM feedback_items WHERE last_seen < ?;
		`, cutoff); err != nil {
			return fmt.Errorf("purge feedback: %w", err)
		}
		return nil
	})
	return mapUnavailable(err)
}
