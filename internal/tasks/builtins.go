package tasks

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/hookwire/internal/hook"
)

// Builtins returns the resolver for tasks that ship with the binary.
func Builtins() Resolver {
	return MapResolver(map[string]Func{
		"inject-context": injectContext,
		"guard-paths":    guardPaths,
		"require-ask":    requireAsk,
	})
}

// injectContext adds static text to the conversation. Params: "text" (string,
// required) or "file" (path read at event time).
func injectContext(_ context.Context, _ *hook.Event, params map[string]any) ([]Action, error) {
	if text, ok := params["text"].(string); ok && text != "" {
		return []Action{{AddContext: text}}, nil
	}
	if path, ok := params["file"].(string); ok && path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		return []Action{{AddContext: string(b)}}, nil
	}
	return nil, fmt.Errorf("inject-context needs a text or file param")
}

// guardPaths denies tool calls touching protected path prefixes. Params:
// "paths" (list of prefixes, required).
func guardPaths(_ context.Context, ev *hook.Event, params map[string]any) ([]Action, error) {
	prefixes := stringList(params["paths"])
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("guard-paths needs a paths param")
	}
	for _, file := range ev.ChangedFiles() {
		for _, prefix := range prefixes {
			if strings.HasPrefix(file, prefix) {
				return []Action{{
					PermissionDecision:       "deny",
					PermissionDecisionReason: fmt.Sprintf("%s is protected (matched %s)", file, prefix),
				}}, nil
			}
		}
	}
	return nil, nil
}

// requireAsk downgrades matching tool calls to an explicit user confirmation.
// Params: "reason" (string, optional).
func requireAsk(_ context.Context, _ *hook.Event, params map[string]any) ([]Action, error) {
	reason, _ := params["reason"].(string)
	if reason == "" {
		reason = "confirmation required"
	}
	return []Action{{PermissionDecision: "ask", PermissionDecisionReason: reason}}, nil
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
