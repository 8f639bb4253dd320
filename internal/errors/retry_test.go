package errors

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(fmt.Errorf("flaky"), 0)
		}
		return nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := Permanent(fmt.Errorf("bad request"), 400)
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return permanent
	}, nil)

	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return Transient(fmt.Errorf("still down"), 503)
	}, nil)

	require.Error(t, err)
	require.Contains(t, err.Error(), "max retries exceeded")
	require.Equal(t, 3, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastConfig(), func(ctx context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	}, nil)

	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	value, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Transient(fmt.Errorf("once"), 0)
		}
		return "done", nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, "done", value)
}

func TestBackoffSchedule(t *testing.T) {
	config := RetryConfig{BaseDelay: 2 * time.Second, JitterFactor: 0}

	require.Equal(t, 2*time.Second, Backoff(0, config))
	require.Equal(t, 4*time.Second, Backoff(1, config))
	require.Equal(t, 8*time.Second, Backoff(2, config))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	require.Equal(t, 3*time.Second, Backoff(5, config))
}

func TestIsTransientClassification(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(fmt.Errorf("opaque failure")))
	require.True(t, IsTransient(Transient(fmt.Errorf("x"), 0)))
	require.False(t, IsTransient(Permanent(fmt.Errorf("x"), 404)))
	require.True(t, IsTransient(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")}))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	require.True(t, IsTransientHTTPStatus(500))
	require.True(t, IsTransientHTTPStatus(429))
	require.True(t, IsTransientHTTPStatus(503))
	require.False(t, IsTransientHTTPStatus(400))
	require.False(t, IsTransientHTTPStatus(200))
	require.False(t, IsTransientHTTPStatus(404))
}
