package id

import (
	"context"
	"strings"
)

type contextKey string

const (
	sessionKey contextKey = "retouch_session_id"
	taskKey    contextKey = "retouch_task_id"
)

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionIDFromContext returns the session identifier stored on the context, if any.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// WithTaskID stores the current task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// TaskIDFromContext returns the task identifier stored on the context, if any.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey).(string); ok {
		return v
	}
	return ""
}

// Label renders the identifiers stored on the context as a log-line suffix,
// e.g. " task=task-abc session=session-xyz". Empty when nothing is stored.
func Label(ctx context.Context) string {
	var b strings.Builder
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		b.WriteString(" task=")
		b.WriteString(taskID)
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		b.WriteString(" session=")
		b.WriteString(sessionID)
	}
	return b.String()
}
