package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timed_out"
)

// allowedTransitions is the task status state machine. Terminal states have
// no outgoing edges; a terminal task can only be delivered, never re-run.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusTimedOut:  {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusTimedOut:  {},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// BackgroundTask is one queued or finished detached command.
type BackgroundTask struct {
	ID          string
	SessionID   string
	Command     []string
	Source      string
	Timeout     time.Duration
	Status      TaskStatus
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	PID         int
	ExitCode    *int
	Stdout      string
	Stderr      string
	Error       string
	StdoutPath  string
	StderrPath  string
	DeliveredAt *time.Time
}

const taskColumns = `id, session_id, command, source, timeout_seconds, status,
	enqueued_at, started_at, finished_at, pid, exit_code, stdout, stderr, error,
	stdout_path, stderr_path, delivered_at`

func scanTask(row interface{ Scan(...any) error }) (*BackgroundTask, error) {
	var t BackgroundTask
	var commandJSON string
	var timeoutSeconds int64
	var status string
	err := row.Scan(
		&t.ID, &t.SessionID, &commandJSON, &t.Source, &timeoutSeconds, &status,
		&t.EnqueuedAt, &t.StartedAt, &t.FinishedAt, &t.PID, &t.ExitCode,
		&t.Stdout, &t.Stderr, &t.Error, &t.StdoutPath, &t.StderrPath, &t.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(commandJSON), &t.Command); err != nil {
		return nil, fmt.Errorf("decode command for task %s: %w", t.ID, err)
	}
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	t.Status = TaskStatus(status)
	return &t, nil
}

// recordTaskEvent appends to the task's append-only trail inside tx.
func recordTaskEvent(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, detail map[string]any) error {
	detailJSON := "{}"
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode task event detail: %w", err)
		}
		detailJSON = string(b)
	}
	var stateFrom any
	if from != "" {
		stateFrom = string(from)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, detail)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, stateFrom, string(to), detailJSON)
	if err != nil {
		return fmt.Errorf("record task event: %w", err)
	}
	return nil
}

// Enqueue adds a pending task and returns its id. An empty command vector is
// rejected with ErrInvalidCommand.
func (s *Store) Enqueue(ctx context.Context, command []string, source string, timeout time.Duration) (string, error) {
	if len(command) == 0 || command[0] == "" {
		return "", ErrInvalidCommand
	}
	if source == "" {
		source = "unknown"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	id := uuid.NewString()
	commandJSON, err := json.Marshal(command)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	err = retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO background_tasks (id, session_id, command, source, timeout_seconds, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?);
		`, id, s.sessionID, string(commandJSON), source, int64(timeout/time.Second), time.Now().UTC()); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := recordTaskEvent(ctx, tx, id, "task.enqueued", "", StatusPending, map[string]any{"source": source}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", mapUnavailable(err)
	}
	return id, nil
}

// ClaimNextPending atomically claims the oldest pending task and marks it
// running. The claim is a compare-and-swap inside one transaction so that
// overlapping router invocations never both launch the same task. Returns
// (nil, nil) when nothing is pending or another invocation won the race.
func (s *Store) ClaimNextPending(ctx context.Context) (*BackgroundTask, error) {
	var claimed *BackgroundTask
	err := retryOnBusy(ctx, 3, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM background_tasks
			WHERE status = 'pending'
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1;
		`)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = 'running', started_at = ?
			WHERE id = ? AND status = 'pending';
		`, now, t.ID)
		if err != nil {
			return fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race. Not an error; the winner is running it.
			return nil
		}
		if err := recordTaskEvent(ctx, tx, t.ID, "task.claimed", StatusPending, StatusRunning, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		t.Status = StatusRunning
		t.StartedAt = &now
		claimed = t
		return nil
	})
	if err != nil {
		return nil, mapUnavailable(err)
	}
	return claimed, nil
}

// RecordProcess stores the spawned pid and capture file paths on a claimed task.
func (s *Store) RecordProcess(ctx context.Context, taskID string, pid int, stdoutPath, stderrPath string) error {
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_tasks
			SET pid = ?, stdout_path = ?, stderr_path = ?
			WHERE id = ? AND status = 'running';
		`, pid, stdoutPath, stderrPath, taskID)
		if err != nil {
			return fmt.Errorf("record process for task %s: %w", taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("task %s: %w: record process on non-running task", taskID, ErrInvalidTransition)
		}
		return nil
	})
	return mapUnavailable(err)
}

// finish moves a running task to a terminal state.
func (s *Store) finish(ctx context.Context, taskID string, to TaskStatus, eventType string, set func(tx *sql.Tx, now time.Time) error, detail map[string]any) error {
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM background_tasks WHERE id = ?;`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s not found: %w", taskID, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("read task %s status: %w", taskID, err)
		}
		if !canTransition(TaskStatus(status), to) {
			return fmt.Errorf("task %s: %s -> %s: %w", taskID, status, to, ErrInvalidTransition)
		}

		now := time.Now().UTC()
		if err := set(tx, now); err != nil {
			return err
		}
		if err := recordTaskEvent(ctx, tx, taskID, eventType, TaskStatus(status), to, detail); err != nil {
			return err
		}
		return tx.Commit()
	})
	return mapUnavailable(err)
}

// Complete records a finished process. A zero exit code completes the task,
// anything else fails it; captured output is stored either way.
func (s *Store) Complete(ctx context.Context, taskID string, exitCode int, stdout, stderr string) error {
	to := StatusCompleted
	eventType := "task.completed"
	if exitCode != 0 {
		to = StatusFailed
		eventType = "task.failed"
	}
	return s.finish(ctx, taskID, to, eventType, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = ?, finished_at = ?, exit_code = ?, stdout = ?, stderr = ?
			WHERE id = ?;
		`, string(to), now, exitCode, stdout, stderr, taskID)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", taskID, err)
		}
		return nil
	}, map[string]any{"exit_code": exitCode})
}

// Fail marks a task failed with an error message. Valid from pending (spawn
// never happened) or running.
func (s *Store) Fail(ctx context.Context, taskID string, errMsg string) error {
	return s.finish(ctx, taskID, StatusFailed, "task.failed", func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = 'failed', finished_at = ?, error = ?
			WHERE id = ?;
		`, now, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("fail task %s: %w", taskID, err)
		}
		return nil
	}, map[string]any{"error": errMsg})
}

// MarkTimedOut moves a running task to timed_out, keeping whatever output the
// process produced before it was killed.
func (s *Store) MarkTimedOut(ctx context.Context, taskID string, stdout, stderr string) error {
	return s.finish(ctx, taskID, StatusTimedOut, "task.timed_out", func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = 'timed_out', finished_at = ?, stdout = ?, stderr = ?
			WHERE id = ?;
		`, now, stdout, stderr, taskID)
		if err != nil {
			return fmt.Errorf("time out task %s: %w", taskID, err)
		}
		return nil
	}, nil)
}

// ListReady returns terminal tasks whose results have not yet been delivered,
// oldest finished first.
func (s *Store) ListReady(ctx context.Context) ([]*BackgroundTask, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE status IN ('completed', 'failed', 'timed_out') AND delivered_at IS NULL
		ORDER BY finished_at ASC, id ASC;
	`)
}

// MarkDelivered stamps delivered_at on a terminal task. Idempotent: a second
// call leaves the original timestamp.
func (s *Store) MarkDelivered(ctx context.Context, taskID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE background_tasks
			SET delivered_at = ?
			WHERE id = ?
			  AND status IN ('completed', 'failed', 'timed_out')
			  AND delivered_at IS NULL;
		`, time.Now().UTC(), taskID)
		if err != nil {
			return fmt.Errorf("mark task %s delivered: %w", taskID, err)
		}
		return nil
	})
	return mapUnavailable(err)
}

// ListRunning returns tasks currently marked running.
func (s *Store) ListRunning(ctx context.Context) ([]*BackgroundTask, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE status = 'running'
		ORDER BY started_at ASC, id ASC;
	`)
}

// CountRunning returns the number of tasks marked running.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := retryOnBusy(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM background_tasks WHERE status = 'running';
		`).Scan(&n)
	})
	if err != nil {
		return 0, mapUnavailable(err)
	}
	return n, nil
}

// GetTask fetches one task by id. Returns sql.ErrNoRows wrapped if absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*BackgroundTask, error) {
	var t *BackgroundTask
	err := retryOnBusy(ctx, 3, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM background_tasks WHERE id = ?;
		`, taskID)
		task, err := scanTask(row)
		if err != nil {
			return err
		}
		t = task
		return nil
	})
	if err != nil {
		return nil, mapUnavailable(fmt.Errorf("get task %s: %w", taskID, err))
	}
	return t, nil
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*BackgroundTask, error) {
	var tasks []*BackgroundTask
	err := retryOnBusy(ctx, 3, func() error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapUnavailable(err)
	}
	return tasks, nil
}
