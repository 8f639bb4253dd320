package id

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskIDHasPrefix(t *testing.T) {
	taskID := NewTaskID()
	require.True(t, strings.HasPrefix(taskID, "task-"))
	require.Greater(t, len(taskID), len("task-"))
}

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		sessionID := NewSessionID()
		require.True(t, strings.HasPrefix(sessionID, "session-"))
		require.False(t, seen[sessionID], "duplicate id %s", sessionID)
		seen[sessionID] = true
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	gen := &Generator{strategy: StrategyUUIDv7}
	taskID := gen.newIdentifier("task")
	require.True(t, strings.HasPrefix(taskID, "task-"))
	// UUIDv7 bodies contain hyphenated groups.
	require.Equal(t, 5, len(strings.Split(strings.TrimPrefix(taskID, "task-"), "-")))
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithSessionID(ctx, "session-abc")
	ctx = WithTaskID(ctx, "task-xyz")

	require.Equal(t, "session-abc", SessionIDFromContext(ctx))
	require.Equal(t, "task-xyz", TaskIDFromContext(ctx))
}

func TestContextEmptyValuesIgnored(t *testing.T) {
	ctx := WithSessionID(context.Background(), "")
	require.Equal(t, "", SessionIDFromContext(ctx))
	require.Equal(t, "", TaskIDFromContext(ctx))
}

func TestLabel(t *testing.T) {
	require.Equal(t, "", Label(context.Background()))

	ctx := WithTaskID(context.Background(), "task-xyz")
	require.Equal(t, " task=task-xyz", Label(ctx))

	ctx = WithSessionID(ctx, "session-abc")
	require.Equal(t, " task=task-xyz session=session-abc", Label(ctx))
}
