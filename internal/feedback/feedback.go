// Package feedback turns raw task output into deduplicated, strategy-filtered
// messages. The same lint warning surfacing on every file save would otherwise
// be repeated verbatim into the transcript; the engine decides, per issue and
// per display strategy, whether to show it in full, summarize it, or stay
// quiet.
package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/hookwire/internal/store"
)

// Candidate is one observed issue, not yet merged with stored history.
type Candidate struct {
	TaskID   string
	Content  string
	Severity store.Severity
	Category string
	FilePath string
	Strategy store.Strategy
}

// IssueID identifies the logical issue. The content prefix (not the full
// content) goes into the hash so small tail variations, like changing line
// numbers in a traceback, still map to the same issue.
func IssueID(taskID, filePath, content string) string {
	prefix := content
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	sum := sha256.Sum256([]byte(prefix))
	return fmt.Sprintf("%s:%s:%x", taskID, filepath.Base(filePath), sum[:4])
}

// InstanceID identifies this exact occurrence by full content.
func InstanceID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum[:8])
}

// taskOutput is the structured stdout contract for background commands.
type taskOutput struct {
	Feedback []struct {
		Content  string `json:"content"`
		Severity string `json:"severity"`
		Category string `json:"category"`
		FilePath string `json:"file_path"`
		Strategy string `json:"strategy"`
	} `json:"feedback"`
}

// TaskCandidates parses a finished background task's output into candidates.
// Structured JSON with a feedback array is used as-is; anything else falls
// back to a single plain-text candidate. Parsing never fails: a task that
// prints garbage still produces feedback.
func TaskCandidates(t *store.BackgroundTask) []Candidate {
	source := t.Source
	if source == "" {
		source = t.ID
	}

	var parsed taskOutput
	trimmed := strings.TrimSpace(t.Stdout)
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &parsed) == nil && len(parsed.Feedback) > 0 {
		out := make([]Candidate, 0, len(parsed.Feedback))
		for _, f := range parsed.Feedback {
			if strings.TrimSpace(f.Content) == "" {
				continue
			}
			c := Candidate{
				TaskID:   source,
				Content:  f.Content,
				Severity: store.Severity(f.Severity),
				Category: f.Category,
				FilePath: f.FilePath,
				Strategy: store.Strategy(f.Strategy),
			}
			if c.Severity.Rank() == 0 {
				c.Severity = store.SeverityInfo
			}
			if c.Category == "" {
				c.Category = "background-task"
			}
			switch c.Strategy {
			case store.StrategyAlways, store.StrategyShowOnce,
				store.StrategySummaryAfterFirst, store.StrategyDeferUntilCommit:
			default:
				c.Strategy = store.StrategyShowOnce
			}
			out = append(out, c)
		}
		if len(out) > 0 {
			return out
		}
	}

	// Plain-text fallback: one candidate summarizing the run.
	switch t.Status {
	case store.StatusCompleted:
		if trimmed == "" {
			return nil
		}
		body := trimmed
		if len(body) > 500 {
			body = body[:500]
		}
		return []Candidate{{
			TaskID:   source,
			Content:  "Background task completed:\n" + body,
			Severity: store.SeverityInfo,
			Category: "background-task",
			Strategy: store.StrategyShowOnce,
		}}
	case store.StatusTimedOut:
		return []Candidate{{
			TaskID:   source,
			Content:  fmt.Sprintf("Background task timed out after %s: %s", t.Timeout, strings.Join(t.Command, " ")),
			Severity: store.SeverityWarn,
			Category: "background-task",
			Strategy: store.StrategyShowOnce,
		}}
	default:
		detail := strings.TrimSpace(t.Stderr)
		if detail == "" {
			detail = t.Error
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		content := "Background task failed: " + strings.Join(t.Command, " ")
		if detail != "" {
			content += "\n" + detail
		}
		return []Candidate{{
			TaskID:   source,
			Content:  content,
			Severity: store.SeverityWarn,
			Category: "background-task",
			Strategy: store.StrategyShowOnce,
		}}
	}
}

// Rendered is one message the engine decided to surface, with the stored item
// it came from.
type Rendered struct {
	Item    *store.FeedbackItem
	Message string
	Summary bool
}

// Engine merges candidates into the ledger and applies display strategies.
type Engine struct {
	st *store.Store
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{st: st}
}

// Store exposes the engine's backing store.
func (e *Engine) Store() *store.Store {
	return e.st
}

// Decide merges a batch of candidates and returns the messages to surface,
// ordered by severity rank descending, then first seen, then issue id. When
// flushDeferred is set, stored defer_until_commit items are released too.
func (e *Engine) Decide(ctx context.Context, batch []Candidate, flushDeferred bool) ([]Rendered, error) {
	// Group occurrences of the same issue within the batch: occurrences count
	// distinct reporting tasks, severity takes the max.
	type group struct {
		candidate store.FeedbackCandidate
		tasks     map[string]struct{}
	}
	groups := make(map[string]*group)
	var order []string
	for _, c := range batch {
		issueID := IssueID(c.TaskID, c.FilePath, c.Content)
		g, ok := groups[issueID]
		if !ok {
			g = &group{
				candidate: store.FeedbackCandidate{
					IssueID:    issueID,
					InstanceID: InstanceID(c.Content),
					Content:    c.Content,
					TaskID:     c.TaskID,
					Severity:   c.Severity,
					Category:   c.Category,
					FilePath:   c.FilePath,
					Strategy:   c.Strategy,
				},
				tasks: make(map[string]struct{}),
			}
			groups[issueID] = g
			order = append(order, issueID)
		}
		g.tasks[c.TaskID] = struct{}{}
		if c.Severity.Rank() > g.candidate.Severity.Rank() {
			g.candidate.Severity = c.Severity
		}
	}

	var rendered []Rendered
	for _, issueID := range order {
		g := groups[issueID]
		g.candidate.Occurrences = len(g.tasks)
		item, err := e.st.UpsertFeedback(ctx, g.candidate)
		if err != nil {
			return nil, fmt.Errorf("merge feedback %s: %w", issueID, err)
		}
		r, show := e.render(item, flushDeferred)
		if !show {
			continue
		}
		if err := e.st.MarkFeedbackShown(ctx, item.IssueID); err != nil {
			return nil, err
		}
		rendered = append(rendered, r)
	}

	if flushDeferred {
		handled := make(map[string]struct{}, len(groups))
		for issueID := range groups {
			handled[issueID] = struct{}{}
		}
		flushed, err := e.flushDeferred(ctx, handled)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, flushed...)
	}

	sort.SliceStable(rendered, func(i, j int) bool {
		a, b := rendered[i].Item, rendered[j].Item
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.IssueID < b.IssueID
	})
	return rendered, nil
}

// render applies the item's display strategy. The times_shown counter at the
// moment of the call decides between full content, summary, and silence.
func (e *Engine) render(item *store.FeedbackItem, flushDeferred bool) (Rendered, bool) {
	switch item.Strategy {
	case store.StrategyAlways:
		return Rendered{Item: item, Message: item.Content}, true
	case store.StrategyShowOnce:
		if item.Shown() {
			return Rendered{}, false
		}
		return Rendered{Item: item, Message: item.Content}, true
	case store.StrategySummaryAfterFirst:
		if !item.Shown() {
			return Rendered{Item: item, Message: item.Content}, true
		}
		msg := fmt.Sprintf("%d previous %s warnings still apply", item.OccurrenceCount, item.Category)
		return Rendered{Item: item, Message: msg, Summary: true}, true
	case store.StrategyDeferUntilCommit:
		if flushDeferred && !item.Shown() {
			return Rendered{Item: item, Message: item.Content}, true
		}
		return Rendered{}, false
	default:
		if item.Shown() {
			return Rendered{}, false
		}
		return Rendered{Item: item, Message: item.Content}, true
	}
}

// flushDeferred releases stored deferred items not already handled in this
// batch.
func (e *Engine) flushDeferred(ctx context.Context, handled map[string]struct{}) ([]Rendered, error) {
	items, err := e.st.ListDeferredFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deferred feedback: %w", err)
	}
	var out []Rendered
	for _, item := range items {
		if _, ok := handled[item.IssueID]; ok {
			continue
		}
		if err := e.st.MarkFeedbackShown(ctx, item.IssueID); err != nil {
			return nil, err
		}
		out = append(out, Rendered{Item: item, Message: item.Content})
	}
	return out, nil
}

// FlushDeferred surfaces every stored deferred item regardless of batch state.
func (e *Engine) FlushDeferred(ctx context.Context) ([]Rendered, error) {
	return e.flushDeferred(ctx, nil)
}
