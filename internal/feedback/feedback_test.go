package feedback_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookwire/internal/feedback"
	"github.com/basket/hookwire/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Root{Base: t.TempDir()}, "feedback-test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIssueIDStableAcrossTailChanges(t *testing.T) {
	long := strings.Repeat("x", 100)
	a := feedback.IssueID("lint", "/src/app.py", long+" line 10")
	b := feedback.IssueID("lint", "/src/app.py", long+" line 99")
	if a != b {
		t.Fatalf("expected same issue id for same 100-char prefix, got %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "lint:app.py:") {
		t.Fatalf("expected task and file base in id, got %s", a)
	}

	c := feedback.IssueID("lint", "/src/app.py", "different content entirely")
	if a == c {
		t.Fatal("expected different content prefixes to produce different ids")
	}
}

func TestInstanceIDUsesFullContent(t *testing.T) {
	long := strings.Repeat("x", 100)
	a := feedback.InstanceID(long + " line 10")
	b := feedback.InstanceID(long + " line 99")
	if a == b {
		t.Fatal("expected different instances for different full content")
	}
}

func TestTaskCandidatesParsesStructuredOutput(t *testing.T) {
	task := &store.BackgroundTask{
		ID:     "t1",
		Source: "ruff",
		Status: store.StatusCompleted,
		Stdout: `{"feedback": [
			{"content": "unused import", "severity": "warn", "category": "lint", "file_path": "app.py"},
			{"content": "sql injection risk", "severity": "error", "category": "security", "strategy": "always"}
		]}`,
	}
	cands := feedback.TaskCandidates(task)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].TaskID != "ruff" || cands[0].Severity != store.SeverityWarn || cands[0].FilePath != "app.py" {
		t.Fatalf("unexpected first candidate: %+v", cands[0])
	}
	if cands[1].Severity != store.SeverityError || cands[1].Strategy != store.StrategyAlways {
		t.Fatalf("unexpected second candidate: %+v", cands[1])
	}
	if cands[0].Strategy != store.StrategyShowOnce {
		t.Fatalf("expected default strategy show_once, got %s", cands[0].Strategy)
	}
}

func TestTaskCandidatesPlainTextFallback(t *testing.T) {
	task := &store.BackgroundTask{
		ID:     "t2",
		Source: "pytest",
		Status: store.StatusCompleted,
		Stdout: "14 passed in 2.1s",
	}
	cands := feedback.TaskCandidates(task)
	if len(cands) != 1 {
		t.Fatalf("expected 1 fallback candidate, got %d", len(cands))
	}
	if !strings.Contains(cands[0].Content, "14 passed") {
		t.Fatalf("expected stdout in content, got %q", cands[0].Content)
	}
	if cands[0].Severity != store.SeverityInfo {
		t.Fatalf("expected info severity for success, got %s", cands[0].Severity)
	}
}

func TestTaskCandidatesFailureAndTimeout(t *testing.T) {
	failed := &store.BackgroundTask{
		ID: "t3", Source: "build", Status: store.StatusFailed,
		Command: []string{"make", "build"}, Stderr: "undefined symbol",
	}
	cands := feedback.TaskCandidates(failed)
	if len(cands) != 1 || cands[0].Severity != store.SeverityWarn {
		t.Fatalf("expected warn candidate for failure, got %+v", cands)
	}
	if !strings.Contains(cands[0].Content, "undefined symbol") {
		t.Fatalf("expected stderr detail, got %q", cands[0].Content)
	}

	timedOut := &store.BackgroundTask{
		ID: "t4", Source: "slow", Status: store.StatusTimedOut,
		Command: []string{"sleep", "600"}, Timeout: time.Minute,
	}
	cands = feedback.TaskCandidates(timedOut)
	if len(cands) != 1 || !strings.Contains(cands[0].Content, "timed out") {
		t.Fatalf("expected timeout candidate, got %+v", cands)
	}
}

func TestTaskCandidatesGarbageJSONNeverErrors(t *testing.T) {
	task := &store.BackgroundTask{
		ID: "t5", Source: "weird", Status: store.StatusCompleted,
		Stdout: `{"feedback": "not an array"`,
	}
	cands := feedback.TaskCandidates(task)
	if len(cands) != 1 {
		t.Fatalf("expected plain-text fallback for broken JSON, got %d", len(cands))
	}
}

func decide(t *testing.T, e *feedback.Engine, batch []feedback.Candidate, flush bool) []feedback.Rendered {
	t.Helper()
	rendered, err := e.Decide(context.Background(), batch, flush)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return rendered
}

func TestDecideShowOnceSuppressesRepeats(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))
	batch := []feedback.Candidate{{
		TaskID: "lint", Content: "unused import os", Severity: store.SeverityWarn,
		Category: "lint", FilePath: "app.py", Strategy: store.StrategyShowOnce,
	}}

	first := decide(t, e, batch, false)
	if len(first) != 1 || first[0].Message != "unused import os" {
		t.Fatalf("expected full content on first sight, got %+v", first)
	}

	second := decide(t, e, batch, false)
	if len(second) != 0 {
		t.Fatalf("expected repeat suppressed, got %+v", second)
	}

	// The suppressed repeat still advanced the occurrence counter.
	got, err := openItem(e, first[0].Item.IssueID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence count 2, got %d", got.OccurrenceCount)
	}
}

func openItem(e *feedback.Engine, issueID string) (*store.FeedbackItem, error) {
	return e.Store().GetFeedback(context.Background(), issueID)
}

func TestDecideSummaryAfterFirst(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))
	batch := []feedback.Candidate{{
		TaskID: "vet", Content: "possible nil dereference in handler.go", Severity: store.SeverityWarn,
		Category: "vet", Strategy: store.StrategySummaryAfterFirst,
	}}

	first := decide(t, e, batch, false)
	if len(first) != 1 || first[0].Summary {
		t.Fatalf("expected full content first, got %+v", first)
	}

	second := decide(t, e, batch, false)
	if len(second) != 1 || !second[0].Summary {
		t.Fatalf("expected summary on repeat, got %+v", second)
	}
	if strings.Contains(second[0].Message, "nil dereference") {
		t.Fatalf("expected summary to omit full content, got %q", second[0].Message)
	}
	if !strings.Contains(second[0].Message, "2") || !strings.Contains(second[0].Message, "vet") {
		t.Fatalf("expected count and category in summary, got %q", second[0].Message)
	}
}

func TestDecideAlwaysRepeats(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))
	batch := []feedback.Candidate{{
		TaskID: "security", Content: "hardcoded credential", Severity: store.SeverityError,
		Category: "security", Strategy: store.StrategyAlways,
	}}
	for i := 0; i < 3; i++ {
		rendered := decide(t, e, batch, false)
		if len(rendered) != 1 || rendered[0].Message != "hardcoded credential" {
			t.Fatalf("round %d: expected full content every time, got %+v", i, rendered)
		}
	}
}

func TestDecideDeferUntilFlush(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))
	batch := []feedback.Candidate{{
		TaskID: "todo-scan", Content: "TODO left in diff", Severity: store.SeverityInfo,
		Category: "hygiene", Strategy: store.StrategyDeferUntilCommit,
	}}

	if rendered := decide(t, e, batch, false); len(rendered) != 0 {
		t.Fatalf("expected deferred item hidden, got %+v", rendered)
	}

	flushed := decide(t, e, nil, true)
	if len(flushed) != 1 || flushed[0].Message != "TODO left in diff" {
		t.Fatalf("expected deferred item released on flush, got %+v", flushed)
	}

	if again := decide(t, e, nil, true); len(again) != 0 {
		t.Fatalf("expected deferred item released once, got %+v", again)
	}
}

func TestDecideOrdersBySeverityThenAge(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))

	// Seed an older info item first.
	older := []feedback.Candidate{{
		TaskID: "notes", Content: "style nit", Severity: store.SeverityInfo,
		Category: "style", Strategy: store.StrategyAlways,
	}}
	decide(t, e, older, false)
	time.Sleep(5 * time.Millisecond)

	batch := []feedback.Candidate{
		{TaskID: "notes", Content: "style nit", Severity: store.SeverityInfo, Category: "style", Strategy: store.StrategyAlways},
		{TaskID: "security", Content: "open redirect", Severity: store.SeverityError, Category: "security", Strategy: store.StrategyAlways},
	}
	rendered := decide(t, e, batch, false)
	if len(rendered) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rendered))
	}
	if rendered[0].Message != "open redirect" {
		t.Fatalf("expected error severity first, got %q", rendered[0].Message)
	}
}

func TestDecideMergesDuplicatesWithinBatch(t *testing.T) {
	e := feedback.NewEngine(openTestStore(t))
	batch := []feedback.Candidate{
		{TaskID: "lint", Content: "same issue", Severity: store.SeverityInfo, Category: "lint", Strategy: store.StrategyShowOnce},
		{TaskID: "lint", Content: "same issue", Severity: store.SeverityWarn, Category: "lint", Strategy: store.StrategyShowOnce},
	}
	rendered := decide(t, e, batch, false)
	if len(rendered) != 1 {
		t.Fatalf("expected batch duplicates merged, got %d", len(rendered))
	}
	if rendered[0].Item.Severity != store.SeverityWarn {
		t.Fatalf("expected max severity kept, got %s", rendered[0].Item.Severity)
	}
	// Same reporting task twice counts as one occurrence.
	if rendered[0].Item.OccurrenceCount != 1 {
		t.Fatalf("expected occurrence count 1 for one task, got %d", rendered[0].Item.OccurrenceCount)
	}
}
