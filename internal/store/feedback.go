package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Severity ranks feedback from informational to blocking-worthy.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Rank orders severities for sorting and max-merging. Unknown severities rank
// below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Strategy controls how often a recurring issue is surfaced.
type Strategy string

const (
	StrategyAlways            Strategy = "always"
	StrategyShowOnce          Strategy = "show_once"
	StrategySummaryAfterFirst Strategy = "summary_after_first"
	StrategyDeferUntilCommit  Strategy = "defer_until_commit"
)

// FeedbackItem is one deduplicated issue with its display history.
type FeedbackItem struct {
	IssueID         string
	InstanceID      string
	Content         string
	TaskID          string
	Severity        Severity
	Category        string
	FilePath        string
	Strategy        Strategy
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int
	TimesShown      int
}

// Shown reports whether the item has been surfaced at least once.
func (f FeedbackItem) Shown() bool {
	return f.TimesShown > 0
}

// FeedbackCandidate is a new observation of an issue, before merging with any
// stored history.
type FeedbackCandidate struct {
	IssueID     string
	InstanceID  string
	Content     string
	TaskID      string
	Severity    Severity
	Category    string
	FilePath    string
	Strategy    Strategy
	Occurrences int
}

const feedbackColumns = `issue_id, instance_id, content, task_id, severity,
	category, file_path, strategy, first_seen, last_seen, occurrence_count, times_shown`

func scanFeedback(row interface{ Scan(...any) error }) (*FeedbackItem, error) {
	var f FeedbackItem
	var severity, strategy string
	err := row.Scan(
		&f.IssueID, &f.InstanceID, &f.Content, &f.TaskID, &severity,
		&f.Category, &f.FilePath, &strategy, &f.FirstSeen, &f.LastSeen,
		&f.OccurrenceCount, &f.TimesShown,
	)
	if err != nil {
		return nil, err
	}
	f.Severity = Severity(severity)
	f.Strategy = Strategy(strategy)
	return &f, nil
}

// UpsertFeedback merges a candidate into the ledger and returns the stored
// item after the merge. A new issue starts with the candidate's counts; a
// known issue keeps first_seen, strategy, and display history while content,
// instance, last_seen, occurrence count, and max severity advance.
func (s *Store) UpsertFeedback(ctx context.Context, c FeedbackCandidate) (*FeedbackItem, error) {
	if c.Occurrences <= 0 {
		c.Occurrences = 1
	}
	if c.Severity == "" {
		c.Severity = SeverityInfo
	}
	if c.Strategy == "" {
		c.Strategy = StrategyShowOnce
	}

	var item *FeedbackItem
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin feedback tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		existing, err := scanFeedback(tx.QueryRowContext(ctx, `
			SELECT `+feedbackColumns+` FROM feedback_items WHERE issue_id = ?;
		`, c.IssueID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO feedback_items (issue_id, instance_id, content, task_id,
					severity, category, file_path, strategy, first_seen, last_seen, occurrence_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, c.IssueID, c.InstanceID, c.Content, c.TaskID, string(c.Severity),
				c.Category, c.FilePath, string(c.Strategy), now, now, c.Occurrences); err != nil {
				return fmt.Errorf("insert feedback %s: %w", c.IssueID, err)
			}
		case err != nil:
			return fmt.Errorf("read feedback %s: %w", c.IssueID, err)
		default:
			severity := existing.Severity
			if c.Severity.Rank() > severity.Rank() {
				severity = c.Severity
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE feedback_items
				SET instance_id = ?, content = ?, task_id = ?, severity = ?,
					last_seen = ?, occurrence_count = occurrence_count + ?
				WHERE issue_id = ?;
			`, c.InstanceID, c.Content, c.TaskID, string(severity), now, c.Occurrences, c.IssueID); err != nil {
				return fmt.Errorf("update feedback %s: %w", c.IssueID, err)
			}
		}

		item, err = scanFeedback(tx.QueryRowContext(ctx, `
			SELECT `+feedbackColumns+` FROM feedback_items WHERE issue_id = ?;
		`, c.IssueID))
		if err != nil {
			return fmt.Errorf("reread feedback %s: %w", c.IssueID, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, mapUnavailable(err)
	}
	return item, nil
}

// GetFeedback fetches one item by issue id.
func (s *Store) GetFeedback(ctx context.Context, issueID string) (*FeedbackItem, error) {
	var item *FeedbackItem
	err := retryOnBusy(ctx, 3, func() error {
		f, err := scanFeedback(s.db.QueryRowContext(ctx, `
			SELECT `+feedbackColumns+` FROM feedback_items WHERE issue_id = ?;
		`, issueID))
		if err != nil {
			return err
		}
		item = f
		return nil
	})
	if err != nil {
		return nil, mapUnavailable(fmt.Errorf("get feedback %s: %w", issueID, err))
	}
	return item, nil
}

// ListDeferredFeedback returns defer_until_commit items that have never been
// shown, oldest first.
func (s *Store) ListDeferredFeedback(ctx context.Context) ([]*FeedbackItem, error) {
	return s.listFeedback(ctx, `
		SELECT `+feedbackColumns+`
		FROM feedback_items
		WHERE strategy = 'defer_until_commit' AND times_shown = 0
		ORDER BY first_seen ASC, issue_id ASC;
	`)
}

// MarkFeedbackShown increments the display counter for an item.
func (s *Store) MarkFeedbackShown(ctx context.Context, issueID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE feedback_items SET times_shown = times_shown + 1 WHERE issue_id = ?;
		`, issueID)
		if err != nil {
			return fmt.Errorf("mark feedback %s shown: %w", issueID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("mark feedback shown: %s not found", issueID)
		}
		return nil
	})
	return mapUnavailable(err)
}

func (s *Store) listFeedback(ctx context.Context, query string, args ...any) ([]*FeedbackItem, error) {
	var items []*FeedbackItem
	err := retryOnBusy(ctx, 3, func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list feedback: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFeedback(rows)
			if err != nil {
				return fmt.Errorf("scan feedback: %w", err)
			}
			items = append(items, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapUnavailable(err)
	}
	return items, nil
}
