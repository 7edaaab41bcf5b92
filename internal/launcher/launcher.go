// Package launcher drives the detached side of the background queue: importing
// drop-in task files, spawning claimed tasks as session-less child processes,
// reaping the ones that finished, and killing the ones that overran their
// timeout. Because each hook invocation is a short-lived process, the spawned
// children must outlive their parent; results come back through capture files
// and the queue, never through a pipe.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/hookwire/internal/audit"
	"github.com/basket/hookwire/internal/store"
)

const (
	// DefaultMaxConcurrent bounds how many background tasks run at once per
	// session.
	DefaultMaxConcurrent = 2
	// DefaultGrace is how long a timed-out process gets between SIGTERM and
	// SIGKILL.
	DefaultGrace = 500 * time.Millisecond

	defaultTimeout = 120 * time.Second
)

// incomingSchema validates drop-in task files before they reach the queue.
const incomingSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"}
		},
		"source": {"type": "string"},
		"timeout": {"type": "integer", "minimum": 1}
	}
}`

// Launcher manages detached background processes for one session.
type Launcher struct {
	st            *store.Store
	root          store.Root
	sessionID     string
	log           *slog.Logger
	schema        *jsonschema.Schema
	MaxConcurrent int
	Grace         time.Duration
}

// New builds a launcher over an open session store.
func New(st *store.Store, log *slog.Logger) (*Launcher, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(incomingSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal incoming schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("incoming.json", doc); err != nil {
		return nil, fmt.Errorf("add incoming schema resource: %w", err)
	}
	schema, err := c.Compile("incoming.json")
	if err != nil {
		return nil, fmt.Errorf("compile incoming schema: %w", err)
	}
	return &Launcher{
		st:            st,
		root:          st.Root(),
		sessionID:     st.SessionID(),
		log:           log,
		schema:        schema,
		MaxConcurrent: DefaultMaxConcurrent,
		Grace:         DefaultGrace,
	}, nil
}

// ImportIncoming enqueues every valid JSON task file dropped into the
// session's incoming directory. Valid and invalid files are removed either
// way; a file that failed to enqueue because the store was unavailable stays
// for the next invocation. Returns the ids of the enqueued tasks.
func (l *Launcher) ImportIncoming(ctx context.Context) ([]string, error) {
	dir := l.root.IncomingDir(l.sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read incoming dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var ids []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		spec, err := l.readIncoming(path)
		if err != nil {
			l.log.Warn("dropping invalid incoming task file", "file", name, "error", err.Error())
			_ = os.Remove(path)
			continue
		}
		id, err := l.st.Enqueue(ctx, spec.command, spec.source, spec.timeout)
		if err != nil {
			if errors.Is(err, store.ErrInvalidCommand) {
				l.log.Warn("dropping incoming task with invalid command", "file", name)
				_ = os.Remove(path)
				continue
			}
			// Store trouble: keep the file for the next invocation.
			return ids, fmt.Errorf("enqueue incoming task %s: %w", name, err)
		}
		_ = os.Remove(path)
		ids = append(ids, id)
		l.log.Info("imported background task", "task_id", id, "source", spec.source)
		audit.Record("allow", "queue-intake", "imported from "+spec.source, id)
	}
	return ids, nil
}

type incomingTask struct {
	command []string
	source  string
	timeout time.Duration
}

func (l *Launcher) readIncoming(path string) (*incomingTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	obj := doc.(map[string]any)
	spec := &incomingTask{source: "incoming", timeout: defaultTimeout}
	for _, v := range obj["command"].([]any) {
		spec.command = append(spec.command, v.(string))
	}
	if s, ok := obj["source"].(string); ok && s != "" {
		spec.source = s
	}
	if n, ok := obj["timeout"].(json.Number); ok {
		secs, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		spec.timeout = time.Duration(secs) * time.Second
	}
	return spec, nil
}

// SpawnNext claims and launches pending tasks until the concurrency cap is
// reached or the queue is drained. Returns the ids of the tasks launched.
func (l *Launcher) SpawnNext(ctx context.Context) ([]string, error) {
	var launched []string
	for {
		running, err := l.st.CountRunning(ctx)
		if err != nil {
			return launched, err
		}
		if running >= l.MaxConcurrent {
			return launched, nil
		}

		task, err := l.st.ClaimNextPending(ctx)
		if err != nil {
			return launched, err
		}
		if task == nil {
			return launched, nil
		}

		if err := l.spawn(ctx, task); err != nil {
			l.log.Error("background task spawn failed", "task_id", task.ID, "error", err.Error())
			if failErr := l.st.Fail(ctx, task.ID, err.Error()); failErr != nil {
				return launched, failErr
			}
			continue
		}
		launched = append(launched, task.ID)
	}
}

// spawn starts the task's command in its own session so it survives this
// process exiting. Stdout and stderr go to capture files; the shell wrapper
// writes the command's exit code to a sentinel file, since no parent will be
// around to wait on the child.
func (l *Launcher) spawn(ctx context.Context, task *store.BackgroundTask) error {
	outDir := l.root.OutputDir(l.sessionID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	stdoutPath := filepath.Join(outDir, task.ID+".stdout")
	stderrPath := filepath.Join(outDir, task.ID+".stderr")
	exitPath := l.exitPath(task.ID)

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create stderr capture: %w", err)
	}
	defer stderr.Close()

	script := fmt.Sprintf("%s; printf '%%d' \"$?\" > %s", shellJoin(task.Command), shellQuote(exitPath))
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", task.Command[0], err)
	}
	pid := cmd.Process.Pid
	// The child is intentionally orphaned. Release drops the handle so this
	// process can exit without waiting.
	_ = cmd.Process.Release()

	if err := l.st.RecordProcess(ctx, task.ID, pid, stdoutPath, stderrPath); err != nil {
		return err
	}
	l.log.Info("launched background task", "task_id", task.ID, "pid", pid,
		"command", strings.Join(task.Command, " "), "timeout", task.Timeout.String())
	return nil
}

// ReapFinished checks every running task's process and records results for
// the ones that exited. Returns the ids of the tasks reaped.
func (l *Launcher) ReapFinished(ctx context.Context) ([]string, error) {
	running, err := l.st.ListRunning(ctx)
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, task := range running {
		if task.PID == 0 {
			// Claimed but the launching invocation died before recording the
			// process. Nothing to probe; fail it so it stops occupying a slot.
			if task.StartedAt != nil && time.Since(*task.StartedAt) > time.Minute {
				if err := l.st.Fail(ctx, task.ID, "task claimed but never launched"); err != nil {
					return reaped, err
				}
				reaped = append(reaped, task.ID)
			}
			continue
		}
		if processAlive(task.PID) {
			continue
		}

		stdout, stderr := l.readCaptures(task)
		exitCode := l.readExitCode(task.ID, stderr)
		if err := l.st.Complete(ctx, task.ID, exitCode, stdout, stderr); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		reaped = append(reaped, task.ID)
		l.log.Info("reaped background task", "task_id", task.ID, "exit_code", exitCode)
	}
	return reaped, nil
}

// EnforceTimeouts terminates running tasks that exceeded their timeout.
// SIGTERM first, a short grace, then SIGKILL to the whole process group.
// Returns the ids of the tasks timed out.
func (l *Launcher) EnforceTimeouts(ctx context.Context) ([]string, error) {
	running, err := l.st.ListRunning(ctx)
	if err != nil {
		return nil, err
	}

	var timedOut []string
	for _, task := range running {
		if task.PID == 0 || task.StartedAt == nil {
			continue
		}
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		if time.Since(*task.StartedAt) < timeout {
			continue
		}

		l.terminate(task.PID)
		stdout, stderr := l.readCaptures(task)
		if err := l.st.MarkTimedOut(ctx, task.ID, stdout, stderr); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return timedOut, err
		}
		timedOut = append(timedOut, task.ID)
		l.log.Warn("background task timed out", "task_id", task.ID,
			"timeout", timeout.String(), "command", strings.Join(task.Command, " "))
	}
	return timedOut, nil
}

// TerminateAll kills every running task's process group. Used on session end,
// before the partition is purged.
func (l *Launcher) TerminateAll(ctx context.Context) error {
	running, err := l.st.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, task := range running {
		if task.PID == 0 {
			continue
		}
		l.terminate(task.PID)
		l.log.Info("terminated background task on session end", "task_id", task.ID, "pid", task.PID)
	}
	return nil
}

func (l *Launcher) terminate(pid int) {
	// Negative pid signals the whole process group created by Setsid.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(l.Grace)
	if processAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (l *Launcher) readCaptures(task *store.BackgroundTask) (string, string) {
	stdout := readFileString(task.StdoutPath)
	stderr := readFileString(task.StderrPath)
	return stdout, stderr
}

// readExitCode reads the shell wrapper's sentinel file. If the wrapper itself
// was killed before writing it, the exit code is inferred: clean stderr reads
// as success, anything else as failure.
func (l *Launcher) readExitCode(taskID, stderr string) int {
	path := l.exitPath(taskID)
	defer os.Remove(path)
	b, err := os.ReadFile(path)
	if err == nil {
		if code, convErr := strconv.Atoi(strings.TrimSpace(string(b))); convErr == nil {
			return code
		}
	}
	if strings.TrimSpace(stderr) == "" {
		return 0
	}
	return 1
}

func (l *Launcher) exitPath(taskID string) string {
	return filepath.Join(l.root.OutputDir(l.sessionID), taskID+".exit")
}

func readFileString(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// processAlive probes a pid with signal 0. EPERM still means the process
// exists, just under another uid.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// shellJoin renders argv as a safely quoted shell command line.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '/', r == ':', r == '=', r == '@', r == '+', r == ',':
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
