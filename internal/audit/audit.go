// Package audit appends block and permission decisions to a JSONL ledger so a
// user can reconstruct why the router denied a tool call or stopped a turn
// after the short-lived process is gone.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/hookwire/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Event     string `json:"event"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny/block decisions since Init.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. decision is "allow", "deny", or "block"; event
// is the hook event name; subject identifies what the decision applied to
// (a task id, a session id). Safe to call before Init: it becomes a no-op.
func Record(decision, event, reason, subject string) {
	if decision == "deny" || decision == "block" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Event:     event,
		Reason:    reason,
		Subject:   subject,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
