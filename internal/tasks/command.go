package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/store"
)

// CommandOptions shape how a command task's outcome maps onto actions.
type CommandOptions struct {
	// BlockOnFailure turns a non-zero exit into a Block action instead of a
	// warning.
	BlockOnFailure bool
	Severity       store.Severity
	Category       string
	Strategy       store.Strategy
}

// commandOutput mirrors the structured stdout contract background tasks use,
// so the same checker binary works in both modes.
type commandOutput struct {
	Feedback []struct {
		Content  string `json:"content"`
		Severity string `json:"severity"`
		Category string `json:"category"`
		FilePath string `json:"file_path"`
		Strategy string `json:"strategy"`
	} `json:"feedback"`
}

// Command builds a synchronous task that runs argv inside the invocation.
// The event payload is passed on stdin so checkers can read tool_input
// without argument plumbing. Occurrences of {file} in argv are replaced with
// the first changed file of the event.
func Command(argv []string, opts CommandOptions) Func {
	if opts.Severity == "" {
		opts.Severity = store.SeverityWarn
	}
	if opts.Category == "" {
		opts.Category = "command"
	}
	if opts.Strategy == "" {
		opts.Strategy = store.StrategyShowOnce
	}

	return func(ctx context.Context, ev *hook.Event, _ map[string]any) ([]Action, error) {
		if len(argv) == 0 {
			return nil, ErrUnknownRef("(empty command)")
		}

		args := make([]string, len(argv))
		files := ev.ChangedFiles()
		for i, a := range argv {
			if strings.Contains(a, "{file}") && len(files) > 0 {
				a = strings.ReplaceAll(a, "{file}", files[0])
			}
			args[i] = a
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if ev.Cwd != "" {
			cmd.Dir = ev.Cwd
		}
		if payload, err := json.Marshal(ev.Raw); err == nil {
			cmd.Stdin = bytes.NewReader(payload)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()

		// Structured output wins regardless of exit code.
		var parsed commandOutput
		trimmed := strings.TrimSpace(stdout.String())
		if trimmed != "" && json.Unmarshal([]byte(trimmed), &parsed) == nil && len(parsed.Feedback) > 0 {
			var actions []Action
			for _, f := range parsed.Feedback {
				if strings.TrimSpace(f.Content) == "" {
					continue
				}
				a := Action{
					Reason:   f.Content,
					FilePath: f.FilePath,
					Severity: store.Severity(f.Severity),
					Category: f.Category,
					Strategy: store.Strategy(f.Strategy),
				}
				if a.Severity.Rank() == 0 {
					a.Severity = opts.Severity
				}
				if a.Category == "" {
					a.Category = opts.Category
				}
				if a.Strategy == "" {
					a.Strategy = opts.Strategy
				}
				a.Block = opts.BlockOnFailure && a.Severity == store.SeverityError
				actions = append(actions, a)
			}
			return actions, nil
		}

		if runErr == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = trimmed
		}
		if detail == "" {
			detail = runErr.Error()
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		reason := strings.Join(args, " ") + " failed:\n" + detail
		action := Action{
			Reason:   reason,
			Block:    opts.BlockOnFailure,
			Severity: opts.Severity,
			Category: opts.Category,
			Strategy: opts.Strategy,
		}
		if action.Block && action.Severity.Rank() < store.SeverityError.Rank() {
			action.Severity = store.SeverityError
		}
		if files := ev.ChangedFiles(); len(files) > 0 {
			action.FilePath = files[0]
		}
		return []Action{action}, nil
	}
}
