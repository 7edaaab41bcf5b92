package shared

import (
	"context"

	"github.com/google/uuid"
)

type invocationKey struct{}
type sessionIDKey struct{}
type taskIDKey struct{}

// WithInvocationID attaches the id of the current hook invocation to the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationKey{}, id)
}

// InvocationID extracts the invocation id from context. Returns "-" if absent.
func InvocationID(ctx context.Context) string {
	if v, ok := ctx.Value(invocationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewInvocationID generates a fresh invocation id.
func NewInvocationID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}
