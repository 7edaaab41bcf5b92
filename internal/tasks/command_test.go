package tasks_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/store"
	"github.com/basket/hookwire/internal/tasks"
)

func testEvent(files ...string) *hook.Event {
	input := map[string]any{}
	if len(files) == 1 {
		input["file_path"] = files[0]
	} else if len(files) > 1 {
		list := make([]any, len(files))
		for i, f := range files {
			list[i] = f
		}
		input["file_paths"] = list
	}
	return &hook.Event{
		Name:      hook.PostToolUse,
		SessionID: "s1",
		ToolInput: input,
		Raw:       map[string]any{"hook_event_name": hook.PostToolUse, "tool_input": input},
	}
}

func TestCommandSuccessProducesNoActions(t *testing.T) {
	fn := tasks.Command([]string{"true"}, tasks.CommandOptions{})
	actions, err := fn(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions on clean exit, got %+v", actions)
	}
}

func TestCommandFailureProducesWarning(t *testing.T) {
	fn := tasks.Command([]string{"sh", "-c", "echo broken >&2; exit 1"}, tasks.CommandOptions{
		Category: "lint",
	})
	actions, err := fn(context.Background(), testEvent("app.py"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	a := actions[0]
	if a.Block {
		t.Fatal("expected no block without block_on_failure")
	}
	if !strings.Contains(a.Reason, "broken") {
		t.Fatalf("expected stderr in reason, got %q", a.Reason)
	}
	if a.Category != "lint" || a.Severity != store.SeverityWarn {
		t.Fatalf("unexpected routing: %+v", a)
	}
	if a.FilePath != "app.py" {
		t.Fatalf("expected changed file attached, got %q", a.FilePath)
	}
}

func TestCommandBlockOnFailure(t *testing.T) {
	fn := tasks.Command([]string{"false"}, tasks.CommandOptions{BlockOnFailure: true})
	actions, err := fn(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 || !actions[0].Block {
		t.Fatalf("expected blocking action, got %+v", actions)
	}
	if actions[0].Severity != store.SeverityError {
		t.Fatalf("expected severity escalated to error, got %s", actions[0].Severity)
	}
}

func TestCommandStructuredOutput(t *testing.T) {
	script := `echo '{"feedback": [{"content": "naming nit", "severity": "info", "category": "style"}]}'`
	fn := tasks.Command([]string{"sh", "-c", script}, tasks.CommandOptions{})
	actions, err := fn(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Reason != "naming nit" || actions[0].Severity != store.SeverityInfo || actions[0].Category != "style" {
		t.Fatalf("unexpected action: %+v", actions[0])
	}
}

func TestCommandFilePlaceholder(t *testing.T) {
	fn := tasks.Command([]string{"sh", "-c", "echo file={file} >&2; exit 1", "sub", "{file}"}, tasks.CommandOptions{})
	actions, err := fn(context.Background(), testEvent("src/main.go"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if !strings.Contains(actions[0].Reason, "src/main.go") {
		t.Fatalf("expected placeholder substituted, got %q", actions[0].Reason)
	}
}

func TestCommandTimeout(t *testing.T) {
	fn := tasks.Command([]string{"sleep", "10"}, tasks.CommandOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := fn(ctx, testEvent(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBuiltinGuardPaths(t *testing.T) {
	resolver := tasks.Builtins()
	fn, ok := resolver("guard-paths")
	if !ok {
		t.Fatal("expected guard-paths registered")
	}

	params := map[string]any{"paths": []any{"/etc/", "secrets/"}}
	actions, err := fn(context.Background(), testEvent("secrets/key.pem"), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 || actions[0].PermissionDecision != "deny" {
		t.Fatalf("expected deny for protected path, got %+v", actions)
	}

	actions, err = fn(context.Background(), testEvent("src/ok.go"), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no action for safe path, got %+v", actions)
	}
}

func TestBuiltinInjectContext(t *testing.T) {
	resolver := tasks.Builtins()
	fn, _ := resolver("inject-context")

	actions, err := fn(context.Background(), testEvent(), map[string]any{"text": "style guide applies"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions) != 1 || actions[0].AddContext != "style guide applies" {
		t.Fatalf("unexpected actions: %+v", actions)
	}

	if _, err := fn(context.Background(), testEvent(), nil); err == nil {
		t.Fatal("expected error without text or file param")
	}
}
