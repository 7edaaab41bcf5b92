// Package tasks defines the contract for synchronous per-event tasks: small
// checks that run inside the hook invocation and steer the response through
// the actions they return.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/store"
)

// Action is one effect a task wants applied to the event's response. A task
// returns zero or more; the router merges them across all tasks for the event.
type Action struct {
	// Block asks the host to reject or redo the operation, with Reason.
	Block  bool
	Reason string

	// EndTurn stops the session outright. Stronger than Block.
	EndTurn bool

	// AddContext injects text into the conversation without blocking.
	AddContext string

	// PermissionDecision overrides the tool permission ("allow", "deny",
	// "ask"). Only meaningful before a tool runs.
	PermissionDecision       string
	PermissionDecisionReason string

	SuppressOutput bool
	SystemMessage  string

	// Feedback routing metadata. TaskID defaults to the configured task id;
	// Severity, Category, and Strategy feed the dedup ledger.
	FilePath string
	TaskID   string
	Severity store.Severity
	Category string
	Strategy store.Strategy
}

// Result is one task's actions plus run metadata for logging.
type Result struct {
	TaskID  string
	Actions []Action
	Err     error
	Elapsed time.Duration
}

// Func is a synchronous task implementation.
type Func func(ctx context.Context, ev *hook.Event, params map[string]any) ([]Action, error)

// Resolver maps a configured ref to an implementation.
type Resolver func(ref string) (Func, bool)

// MapResolver builds a resolver from a static registry.
func MapResolver(m map[string]Func) Resolver {
	return func(ref string) (Func, bool) {
		f, ok := m[ref]
		return f, ok
	}
}

// ChainResolvers tries each resolver in order.
func ChainResolvers(resolvers ...Resolver) Resolver {
	return func(ref string) (Func, bool) {
		for _, r := range resolvers {
			if f, ok := r(ref); ok {
				return f, true
			}
		}
		return nil, false
	}
}

// ErrUnknownRef reports a configured task with no implementation.
func ErrUnknownRef(ref string) error {
	return fmt.Errorf("no task registered for ref %q", ref)
}
