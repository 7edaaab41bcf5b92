package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hookwire/internal/audit"
)

func TestRecordWritesJSONLAndCounts(t *testing.T) {
	dir := t.TempDir()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer audit.Close()

	before := audit.DenyCount()
	audit.Record("deny", "PreToolUse", "api_key=abcdef1234567890 leaked", "task-1")
	audit.Record("allow", "PreToolUse", "fine", "task-2")
	if audit.DenyCount() != before+1 {
		t.Fatalf("expected deny count to advance by 1")
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid JSONL line: %v", err)
		}
		lines = append(lines, entry)
	}
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 entries, got %d", len(lines))
	}
	deny := lines[len(lines)-2]
	if deny["decision"] != "deny" || deny["subject"] != "task-1" {
		t.Fatalf("unexpected entry: %v", deny)
	}
	reason, _ := deny["reason"].(string)
	if strings.Contains(reason, "abcdef1234567890") {
		t.Fatalf("expected secret redacted, got %q", reason)
	}
}

func TestRecordBeforeInitIsNoOp(t *testing.T) {
	// Must not panic or create files anywhere.
	audit.Record("block", "Stop", "no sink yet", "")
}
