package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxContextLines bounds how much injected context a single response carries.
const maxContextLines = 50

// SpecificOutput is the hookSpecificOutput object some events accept.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// Response is the single JSON object written to stdout. Field presence
// matters to the host, so everything optional is omitempty and Continue is a
// pointer: only an explicit false stops the session.
type Response struct {
	Continue           *bool           `json:"continue,omitempty"`
	StopReason         string          `json:"stopReason,omitempty"`
	Decision           string          `json:"decision,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	SuppressOutput     bool            `json:"suppressOutput,omitempty"`
	SystemMessage      string          `json:"systemMessage,omitempty"`
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// Merge is the combined outcome of every task that ran for one event, after
// deduplication. Render translates it into the shape the event accepts.
type Merge struct {
	BlockReasons     []string
	EndTurn          bool
	Permission       string
	PermissionReason string
	Context          []string
	SystemMessages   []string
	SuppressOutput   bool
}

// Continue returns the minimal all-clear response.
func Continue() *Response {
	ok := true
	return &Response{Continue: &ok}
}

// Render maps a merged outcome onto the response schema of one event. Events
// differ in how a block is expressed: PreToolUse blocks through a permission
// decision, SessionStart can only refuse to start, and most others use the
// decision/reason pair.
func Render(event string, m Merge) *Response {
	resp := Continue()
	resp.SystemMessage = strings.Join(m.SystemMessages, "\n")
	resp.SuppressOutput = m.SuppressOutput

	context := TruncateContext(strings.Join(m.Context, "\n"))
	reason := strings.Join(m.BlockReasons, "\n")

	switch event {
	case PreToolUse:
		out := &SpecificOutput{HookEventName: PreToolUse, AdditionalContext: context}
		switch {
		case len(m.BlockReasons) > 0:
			out.PermissionDecision = "deny"
			out.PermissionDecisionReason = reason
		case m.Permission != "":
			out.PermissionDecision = m.Permission
			out.PermissionDecisionReason = m.PermissionReason
		}
		if out.PermissionDecision != "" || out.AdditionalContext != "" {
			resp.HookSpecificOutput = out
		}

	case PostToolUse:
		if len(m.BlockReasons) > 0 {
			resp.Decision = "block"
			resp.Reason = "Issues found:\n" + reason
		}
		if context != "" {
			resp.HookSpecificOutput = &SpecificOutput{
				HookEventName:     PostToolUse,
				AdditionalContext: context,
			}
		}

	case UserPromptSubmit:
		if len(m.BlockReasons) > 0 {
			resp.Decision = "block"
			resp.Reason = reason
		}
		if context != "" {
			resp.HookSpecificOutput = &SpecificOutput{
				HookEventName:     UserPromptSubmit,
				AdditionalContext: context,
			}
		}

	case Stop, SubagentStop, PreCompact:
		if len(m.BlockReasons) > 0 {
			resp.Decision = "block"
			resp.Reason = reason
		}
		if context != "" {
			resp.SystemMessage = joinNonEmpty(resp.SystemMessage, context)
		}

	case SessionStart:
		if len(m.BlockReasons) > 0 {
			off := false
			resp.Continue = &off
			resp.StopReason = reason
		}
		if context != "" {
			resp.HookSpecificOutput = &SpecificOutput{
				HookEventName:     SessionStart,
				AdditionalContext: context,
			}
		}

	default:
		// SessionEnd, Notification, and unknown events cannot block. Anything
		// the tasks produced is surfaced as an informational message.
		if reason != "" || context != "" {
			resp.SystemMessage = joinNonEmpty(resp.SystemMessage, reason, context)
		}
	}

	if m.EndTurn && event != SessionStart {
		off := false
		resp.Continue = &off
		if resp.StopReason == "" {
			resp.StopReason = reason
		}
	}
	return resp
}

// TruncateContext caps injected context at maxContextLines lines.
func TruncateContext(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxContextLines {
		return s
	}
	kept := lines[:maxContextLines]
	omitted := len(lines) - maxContextLines
	return strings.Join(kept, "\n") + fmt.Sprintf("\n... (%d more lines truncated for brevity)", omitted)
}

// WriteTo emits the response as one JSON object. A nil response degrades to
// the minimal all-clear: the host must always receive valid JSON.
func (r *Response) WriteTo(w io.Writer) error {
	if r == nil {
		r = Continue()
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
