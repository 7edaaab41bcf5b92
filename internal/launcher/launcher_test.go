package launcher_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookwire/internal/launcher"
	"github.com/basket/hookwire/internal/store"
	"github.com/basket/hookwire/internal/telemetry"
)

func openTestLauncher(t *testing.T) (*launcher.Launcher, *store.Store, store.Root) {
	t.Helper()
	root := store.Root{Base: t.TempDir()}
	st, err := store.Open(root, "launch-test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	l, err := launcher.New(st, telemetry.Discard())
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	l.Grace = 50 * time.Millisecond
	return l, st, root
}

// waitReaped polls until the task leaves running state or the deadline hits.
func waitReaped(t *testing.T, l *launcher.Launcher, st *store.Store, taskID string, deadline time.Duration) *store.BackgroundTask {
	t.Helper()
	ctx := context.Background()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if _, err := l.ReapFinished(ctx); err != nil {
			t.Fatalf("reap: %v", err)
		}
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != store.StatusRunning {
			return task
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("task %s still running after %s", taskID, deadline)
	return nil
}

func TestSpawnAndReapRoundtrip(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	ctx := context.Background()

	id, err := st.Enqueue(ctx, []string{"sh", "-c", "echo hello; echo oops >&2"}, "test", 30*time.Second)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	launched, err := l.SpawnNext(ctx)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(launched) != 1 || launched[0] != id {
		t.Fatalf("expected task launched, got %v", launched)
	}

	running, _ := st.GetTask(ctx, id)
	if running.PID == 0 {
		t.Fatal("expected pid recorded after spawn")
	}

	task := waitReaped(t, l, st, id, 5*time.Second)
	if task.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%q)", task.Status, task.Error)
	}
	if strings.TrimSpace(task.Stdout) != "hello" {
		t.Fatalf("expected captured stdout, got %q", task.Stdout)
	}
	if strings.TrimSpace(task.Stderr) != "oops" {
		t.Fatalf("expected captured stderr, got %q", task.Stderr)
	}
	if task.ExitCode == nil || *task.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", task.ExitCode)
	}
}

func TestSpawnRecordsNonZeroExit(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	ctx := context.Background()

	id, _ := st.Enqueue(ctx, []string{"sh", "-c", "exit 7"}, "test", 30*time.Second)
	if _, err := l.SpawnNext(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task := waitReaped(t, l, st, id, 5*time.Second)
	if task.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ExitCode == nil || *task.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %v", task.ExitCode)
	}
}

func TestSpawnRespectsConcurrencyCap(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	l.MaxConcurrent = 1
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, []string{"sleep", "5"}, "test", 30*time.Second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, _ := st.Enqueue(ctx, []string{"echo", "later"}, "test", 30*time.Second)

	launched, err := l.SpawnNext(ctx)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(launched) != 1 {
		t.Fatalf("expected 1 launch under cap, got %d", len(launched))
	}

	task, _ := st.GetTask(ctx, second)
	if task.Status != store.StatusPending {
		t.Fatalf("expected second task still pending, got %s", task.Status)
	}
}

func TestSpawnFailureMarksTaskFailed(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	ctx := context.Background()

	// /bin/sh itself starts fine, so the command fails at exec time inside
	// the wrapper and surfaces as a non-zero exit.
	id, _ := st.Enqueue(ctx, []string{"/nonexistent/binary-xyz"}, "test", 30*time.Second)
	if _, err := l.SpawnNext(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task := waitReaped(t, l, st, id, 5*time.Second)
	if task.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
}

func TestEnforceTimeoutsKillsOverrunners(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	ctx := context.Background()

	id, _ := st.Enqueue(ctx, []string{"sleep", "60"}, "test", time.Second)
	if _, err := l.SpawnNext(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Not yet over the deadline.
	timedOut, err := l.EnforceTimeouts(ctx)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if len(timedOut) != 0 {
		t.Fatalf("expected no timeouts yet, got %v", timedOut)
	}

	time.Sleep(1200 * time.Millisecond)
	timedOut, err = l.EnforceTimeouts(ctx)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0] != id {
		t.Fatalf("expected task timed out, got %v", timedOut)
	}

	task, _ := st.GetTask(ctx, id)
	if task.Status != store.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", task.Status)
	}
}

func TestImportIncoming(t *testing.T) {
	l, st, root := openTestLauncher(t)
	ctx := context.Background()

	dir := root.IncomingDir("launch-test")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir incoming: %v", err)
	}

	valid := map[string]any{
		"command": []string{"echo", "imported"},
		"source":  "editor-plugin",
		"timeout": 30,
	}
	writeJSON(t, filepath.Join(dir, "a-valid.json"), valid)
	if err := os.WriteFile(filepath.Join(dir, "b-broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}
	writeJSON(t, filepath.Join(dir, "c-invalid.json"), map[string]any{"command": []string{}})
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a task"), 0o644); err != nil {
		t.Fatalf("write ignored: %v", err)
	}

	ids, err := l.ImportIncoming(ctx)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 import, got %d", len(ids))
	}

	task, err := st.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Source != "editor-plugin" || task.Timeout != 30*time.Second {
		t.Fatalf("unexpected imported task: %+v", task)
	}
	if len(task.Command) != 2 || task.Command[1] != "imported" {
		t.Fatalf("unexpected command %v", task.Command)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			t.Fatalf("expected all json files consumed, found %s", e.Name())
		}
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStaleClaimWithoutProcessIsNotReaped(t *testing.T) {
	l, st, _ := openTestLauncher(t)
	ctx := context.Background()

	// A claim whose launching invocation died before recording a pid stays
	// running until the stale window passes; a fresh claim is left alone.
	if _, err := st.Enqueue(ctx, []string{"echo", "hi"}, "test", 30*time.Second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := st.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := l.ReapFinished(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected fresh claim left running, got %s", got.Status)
	}
}
