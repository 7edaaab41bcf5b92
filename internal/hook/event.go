// Package hook defines the wire protocol between the host and the router: the
// JSON event read from stdin and the single JSON response written to stdout.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event names the host delivers.
const (
	PreToolUse       = "PreToolUse"
	PostToolUse      = "PostToolUse"
	UserPromptSubmit = "UserPromptSubmit"
	Stop             = "Stop"
	SubagentStop     = "SubagentStop"
	SessionStart     = "SessionStart"
	SessionEnd       = "SessionEnd"
	Notification     = "Notification"
	PreCompact       = "PreCompact"
)

// Event is one hook invocation's input payload. Raw keeps the full decoded
// object so task functions can read host fields the struct does not model.
type Event struct {
	Name         string
	SessionID    string
	Cwd          string
	ToolName     string
	ToolInput    map[string]any
	ToolResponse map[string]any
	Raw          map[string]any
}

// ParseEvent decodes a host event from r. The only hard requirement is a
// non-empty hook_event_name; everything else is optional.
func ParseEvent(r io.Reader) (*Event, error) {
	var raw map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	ev := &Event{Raw: raw}
	ev.Name, _ = raw["hook_event_name"].(string)
	if strings.TrimSpace(ev.Name) == "" {
		return nil, fmt.Errorf("event missing hook_event_name")
	}
	ev.SessionID, _ = raw["session_id"].(string)
	ev.Cwd, _ = raw["cwd"].(string)
	ev.ToolName, _ = raw["tool_name"].(string)
	ev.ToolInput, _ = raw["tool_input"].(map[string]any)
	ev.ToolResponse, _ = raw["tool_response"].(map[string]any)
	return ev, nil
}

// ChangedFiles extracts file paths the tool call touched, checking the common
// host field shapes in both tool_input and tool_response. Order is preserved
// and duplicates are dropped.
func (e *Event) ChangedFiles() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, m := range []map[string]any{e.ToolInput, e.ToolResponse} {
		if m == nil {
			continue
		}
		for _, key := range []string{"file_path", "filePath"} {
			if s, ok := m[key].(string); ok {
				add(s)
			}
		}
		for _, key := range []string{"file_paths", "filePaths", "files"} {
			if list, ok := m[key].([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						add(s)
					}
				}
			}
		}
		// MultiEdit-style payloads carry one path per edit entry.
		if edits, ok := m["edits"].([]any); ok {
			for _, v := range edits {
				if edit, ok := v.(map[string]any); ok {
					if s, ok := edit["file_path"].(string); ok {
						add(s)
					}
				}
			}
		}
	}
	return out
}
