// Package router ties one hook invocation together: it advances the
// background queue, runs the event's synchronous tasks, pushes everything
// through the feedback engine, and renders the single response object. Handle
// never returns an error; whatever breaks, the host gets valid JSON.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/hookwire/internal/audit"
	"github.com/basket/hookwire/internal/config"
	"github.com/basket/hookwire/internal/feedback"
	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/launcher"
	"github.com/basket/hookwire/internal/store"
	"github.com/basket/hookwire/internal/tasks"
	"github.com/basket/hookwire/internal/telemetry"
)

// staleFeedbackAge is how long undelivered task and feedback rows survive
// before opportunistic purging on session start.
const staleFeedbackAge = 7 * 24 * time.Hour

// Router handles hook events for one invocation.
type Router struct {
	Config   *config.Config
	Root     store.Root
	Resolver tasks.Resolver
	Log      *slog.Logger
}

// Handle processes one event end to end and returns the response to emit.
// Storage failures degrade the invocation (no background queue, no dedup)
// rather than failing it: a broken cache directory must not block the session.
func (r *Router) Handle(ctx context.Context, ev *hook.Event) *hook.Response {
	log := r.Log
	if log == nil {
		log = telemetry.Discard()
	}
	log = log.With("event", ev.Name, "session_id", ev.SessionID)
	cfg := r.Config
	if cfg == nil {
		cfg = config.Default()
	}

	var merge hook.Merge
	var cands []candidateAction

	st, err := store.Open(r.Root, ev.SessionID)
	if err != nil {
		log.Error("session store unavailable, degrading", "error", err.Error())
		st = nil
	}
	var l *launcher.Launcher
	if st != nil {
		defer st.Close()
		l, err = launcher.New(st, log)
		if err != nil {
			log.Error("launcher init failed", "error", err.Error())
		} else {
			l.MaxConcurrent = cfg.MaxBackground
		}
	}

	if ev.Name == hook.SessionStart && st != nil {
		if err := st.PurgeOlderThan(ctx, staleFeedbackAge); err != nil {
			log.Warn("stale state purge failed", "error", err.Error())
		}
	}

	// Background phase: every event is an opportunity to advance the queue.
	if l != nil {
		cands = append(cands, r.pumpBackground(ctx, l, st, log)...)
	}

	// Sync phase.
	files := ev.ChangedFiles()
	entries := cfg.Select(ev.Name, ev.ToolName, files)
	results := runSync(ctx, cfg, r.Resolver, ev, entries, log)
	for _, result := range results {
		if result.Err != nil {
			log.Warn("task failed", "task", result.TaskID, "error", result.Err.Error(),
				"elapsed", result.Elapsed.String())
		} else {
			log.Debug("task finished", "task", result.TaskID, "actions", len(result.Actions),
				"elapsed", result.Elapsed.String())
		}
		applyDirect(&merge, result.Actions)
		timedOut := errors.Is(result.Err, context.DeadlineExceeded)
		cands = append(cands, resultCandidates(result, timedOut)...)
	}

	r.mergeFeedback(ctx, st, cfg, ev, cands, &merge, log)

	if len(merge.BlockReasons) > 0 {
		decision := "block"
		if ev.Name == hook.PreToolUse {
			decision = "deny"
		}
		audit.Record(decision, ev.Name, strings.Join(merge.BlockReasons, "\n"), ev.SessionID)
	} else if merge.Permission == "deny" {
		audit.Record("deny", ev.Name, merge.PermissionReason, ev.SessionID)
	}

	if ev.Name == hook.SessionEnd {
		r.endSession(ctx, l, st, ev.SessionID, log)
	}

	return hook.Render(ev.Name, merge)
}

// pumpBackground imports drop-in tasks, launches claimed ones, enforces
// timeouts, reaps exits, and collects undelivered results as feedback
// candidates. Every step is best-effort.
func (r *Router) pumpBackground(ctx context.Context, l *launcher.Launcher, st *store.Store, log *slog.Logger) []candidateAction {
	if _, err := l.ImportIncoming(ctx); err != nil {
		log.Warn("incoming import failed", "error", err.Error())
	}
	if _, err := l.SpawnNext(ctx); err != nil {
		log.Warn("background spawn failed", "error", err.Error())
	}
	if _, err := l.EnforceTimeouts(ctx); err != nil {
		log.Warn("timeout enforcement failed", "error", err.Error())
	}
	if _, err := l.ReapFinished(ctx); err != nil {
		log.Warn("background reap failed", "error", err.Error())
	}

	ready, err := st.ListReady(ctx)
	if err != nil {
		log.Warn("listing finished tasks failed", "error", err.Error())
		return nil
	}

	var out []candidateAction
	for _, task := range ready {
		for _, c := range feedback.TaskCandidates(task) {
			out = append(out, candidateAction{
				content:  c.Content,
				taskID:   c.TaskID,
				filePath: c.FilePath,
				severity: c.Severity,
				category: c.Category,
				strategy: c.Strategy,
			})
		}
		if err := st.MarkDelivered(ctx, task.ID); err != nil {
			log.Warn("marking task delivered failed", "task_id", task.ID, "error", err.Error())
		}
	}
	return out
}

// mergeFeedback pushes candidates through the dedup engine and routes each
// surfaced message to either block reasons or injected context. Suppressed
// duplicates still count toward the blocking policy: an error that matched
// block_on blocks again even when its text is not repeated.
func (r *Router) mergeFeedback(ctx context.Context, st *store.Store, cfg *config.Config, ev *hook.Event, cands []candidateAction, merge *hook.Merge, log *slog.Logger) {
	blocked := make(map[string]bool, len(cands))
	for _, c := range cands {
		id := feedback.IssueID(c.taskID, c.filePath, c.content)
		if c.block || matchBlockOn(cfg.Policy.BlockOn, c.severity, c.category) {
			blocked[id] = true
		}
	}

	appendMessage := func(issueID, message string) {
		if blocked[issueID] {
			merge.BlockReasons = append(merge.BlockReasons, message)
		} else {
			merge.Context = append(merge.Context, message)
		}
	}

	if st == nil {
		// Degraded: no dedup history, surface everything once.
		for _, c := range cands {
			appendMessage(feedback.IssueID(c.taskID, c.filePath, c.content), c.content)
		}
		return
	}

	batch := make([]feedback.Candidate, 0, len(cands))
	for _, c := range cands {
		batch = append(batch, feedback.Candidate{
			TaskID:   c.taskID,
			Content:  c.content,
			Severity: c.severity,
			Category: c.category,
			FilePath: c.filePath,
			Strategy: c.strategy,
		})
	}

	engine := feedback.NewEngine(st)
	rendered, err := engine.Decide(ctx, batch, cfg.FlushDeferred(ev.Name))
	if err != nil {
		log.Error("feedback merge failed, surfacing raw", "error", err.Error())
		for _, c := range cands {
			appendMessage(feedback.IssueID(c.taskID, c.filePath, c.content), c.content)
		}
		return
	}

	surfaced := make(map[string]struct{}, len(rendered))
	for _, m := range rendered {
		surfaced[m.Item.IssueID] = struct{}{}
		appendMessage(m.Item.IssueID, m.Message)
	}

	// Blocking issues whose text was suppressed as a duplicate.
	seen := make(map[string]struct{})
	for _, c := range cands {
		id := feedback.IssueID(c.taskID, c.filePath, c.content)
		if !blocked[id] {
			continue
		}
		if _, ok := surfaced[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merge.BlockReasons = append(merge.BlockReasons, c.content)
	}
}

// applyDirect copies action effects that bypass the feedback engine.
func applyDirect(merge *hook.Merge, actions []tasks.Action) {
	for _, a := range actions {
		if a.EndTurn {
			merge.EndTurn = true
		}
		if a.AddContext != "" {
			merge.Context = append(merge.Context, a.AddContext)
		}
		if a.PermissionDecision != "" {
			// deny wins over ask wins over allow.
			if permissionRank(a.PermissionDecision) > permissionRank(merge.Permission) {
				merge.Permission = a.PermissionDecision
				merge.PermissionReason = a.PermissionDecisionReason
			}
		}
		if a.SystemMessage != "" {
			merge.SystemMessages = append(merge.SystemMessages, a.SystemMessage)
		}
		if a.SuppressOutput {
			merge.SuppressOutput = true
		}
	}
}

func permissionRank(decision string) int {
	switch decision {
	case "deny":
		return 3
	case "ask":
		return 2
	case "allow":
		return 1
	default:
		return 0
	}
}

// matchBlockOn evaluates the policy tokens against one candidate. Token forms
// are "error" (severity at or above), "security" (category), and
// "security:warn" (category at severity or above).
func matchBlockOn(tokens []string, severity store.Severity, category string) bool {
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if cat, sev, ok := strings.Cut(token, ":"); ok {
			if strings.EqualFold(cat, category) && severity.Rank() >= store.Severity(sev).Rank() && store.Severity(sev).Rank() > 0 {
				return true
			}
			continue
		}
		if tokenSev := store.Severity(token); tokenSev.Rank() > 0 {
			if severity.Rank() >= tokenSev.Rank() {
				return true
			}
			continue
		}
		if strings.EqualFold(token, category) {
			return true
		}
	}
	return false
}

// endSession tears the partition down: running tasks are killed and all state
// for the session is removed.
func (r *Router) endSession(ctx context.Context, l *launcher.Launcher, st *store.Store, sessionID string, log *slog.Logger) {
	if l != nil {
		if err := l.TerminateAll(ctx); err != nil {
			log.Warn("terminating background tasks failed", "error", err.Error())
		}
	}
	if st != nil {
		_ = st.Close()
	}
	if err := r.Root.PurgeSession(sessionID); err != nil {
		log.Warn("session purge failed", "error", err.Error())
	} else {
		log.Info("session state purged")
	}
}
