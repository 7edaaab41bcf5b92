package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/hookwire/internal/config"
	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/store"
	"github.com/basket/hookwire/internal/tasks"
)

// runSync executes the event's task entries in parallel under a concurrency
// cap and per-task timeouts. One misbehaving task never takes the invocation
// down: errors, timeouts, and panics are converted into results.
func runSync(ctx context.Context, cfg *config.Config, resolver tasks.Resolver, ev *hook.Event, entries []config.TaskEntry, log *slog.Logger) []tasks.Result {
	if len(entries) == 0 {
		return nil
	}

	results := make([]tasks.Result, len(entries))
	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry config.TaskEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = runOne(ctx, cfg, resolver, ev, entry, log)
		}(i, entry)
	}
	wg.Wait()
	return results
}

func runOne(ctx context.Context, cfg *config.Config, resolver tasks.Resolver, ev *hook.Event, entry config.TaskEntry, log *slog.Logger) (result tasks.Result) {
	result.TaskID = entry.Name()
	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task panicked: %v", r)
			log.Error("task panicked", "task", result.TaskID, "panic", fmt.Sprint(r))
		}
	}()

	fn, err := resolveEntry(resolver, entry)
	if err != nil {
		result.Err = err
		return result
	}

	timeout := time.Duration(entry.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(cfg.DefaultTimeout) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actions, err := fn(taskCtx, ev, entry.Params)
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded {
			result.Err = fmt.Errorf("timed out after %s: %w", timeout, err)
		} else {
			result.Err = err
		}
		return result
	}

	// Configured routing defaults apply where the task left fields empty.
	for i := range actions {
		if actions[i].TaskID == "" {
			actions[i].TaskID = entry.Name()
		}
		if actions[i].Severity == "" {
			actions[i].Severity = entry.Severity
		}
		if actions[i].Category == "" {
			actions[i].Category = entry.Category
		}
		if actions[i].Strategy == "" {
			actions[i].Strategy = entry.Strategy
		}
	}
	result.Actions = actions
	return result
}

func resolveEntry(resolver tasks.Resolver, entry config.TaskEntry) (tasks.Func, error) {
	if entry.Ref != "" {
		if resolver != nil {
			if fn, ok := resolver(entry.Ref); ok {
				return fn, nil
			}
		}
		return nil, tasks.ErrUnknownRef(entry.Ref)
	}
	if len(entry.Command) > 0 {
		return tasks.Command(entry.Command, tasks.CommandOptions{
			BlockOnFailure: entry.BlockOnFailure,
			Severity:       entry.Severity,
			Category:       entry.Category,
			Strategy:       entry.Strategy,
		}), nil
	}
	return nil, fmt.Errorf("task %q has neither ref nor command", entry.Name())
}

// resultCandidates converts one task result into feedback candidates. A task
// error is itself feedback: the session should hear that its checker broke,
// once, not on every event.
func resultCandidates(result tasks.Result, timedOut bool) []candidateAction {
	if result.Err != nil {
		severity := store.SeverityError
		category := "task-error"
		if timedOut {
			severity = store.SeverityWarn
			category = "task-timeout"
		}
		return []candidateAction{{
			content:  fmt.Sprintf("Task %s failed: %v", result.TaskID, result.Err),
			taskID:   result.TaskID,
			severity: severity,
			category: category,
			strategy: store.StrategyShowOnce,
		}}
	}

	var out []candidateAction
	for _, a := range result.Actions {
		if a.Reason == "" {
			continue
		}
		severity := a.Severity
		if severity == "" {
			severity = store.SeverityWarn
		}
		category := a.Category
		if category == "" {
			category = "task"
		}
		strategy := a.Strategy
		if strategy == "" {
			strategy = store.StrategyShowOnce
		}
		out = append(out, candidateAction{
			content:  a.Reason,
			taskID:   a.TaskID,
			filePath: a.FilePath,
			severity: severity,
			category: category,
			strategy: strategy,
			block:    a.Block,
		})
	}
	return out
}

// candidateAction is a feedback candidate plus the explicit block flag carried
// from the producing action.
type candidateAction struct {
	content  string
	taskID   string
	filePath string
	severity store.Severity
	category string
	strategy store.Strategy
	block    bool
}
