// Package webhook delivers terminal task outcomes to caller-supplied URLs.
//
// A delivery sequence makes up to three scheduled attempts with exponential
// backoff and stops on the first 2xx response. A failed sequence is logged
// and then dropped: the task registry keeps the terminal status, so polling
// remains the fallback source of truth.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"retouch/internal/errors"
	"retouch/internal/logging"
	"retouch/internal/metrics"
	"retouch/internal/task"
)

// Payload is the JSON body posted to the webhook URL. Exactly one of Result
// and Error is present, mirroring the task's terminal state.
type Payload struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Config tunes the delivery schedule.
type Config struct {
	// MaxAttempts is the total number of delivery attempts per task.
	MaxAttempts int
	// BaseDelay seeds the backoff schedule. Attempt n waits
	// BaseDelay * 2^(n-1) before posting.
	BaseDelay time.Duration
	// RequestTimeout bounds each individual POST.
	RequestTimeout time.Duration
	// DedupeTTL is how long a delivered task ID is remembered for the
	// finalize-boundary idempotency guard.
	DedupeTTL time.Duration
}

// DefaultConfig matches the documented schedule: three attempts delayed
// 2s, 4s, 8s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		RequestTimeout: 10 * time.Second,
		DedupeTTL:      time.Hour,
	}
}

// Notifier posts terminal notifications. Safe for concurrent use.
type Notifier struct {
	client  *http.Client
	cfg     Config
	seenMu  sync.Mutex
	seen    *expirable.LRU[string, struct{}]
	logger  logging.Logger
	metrics *metrics.Metrics

	// sleep is swapped out in tests to observe the schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Notifier. metrics may be nil.
func New(cfg Config, logger logging.Logger, m *metrics.Metrics) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Hour
	}
	return &Notifier{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		seen:    expirable.NewLRU[string, struct{}](4096, nil, cfg.DedupeTTL),
		logger:  logging.OrNop(logger),
		metrics: m,
		sleep:   sleepContext,
	}
}

// Notify runs one delivery sequence for a terminal task. It is a no-op when
// the task has no webhook URL, is not terminal, or a sequence for the same
// task ID already ran. The call blocks for the full retry budget and never
// returns an error to the caller; exhaustion is logged.
func (n *Notifier) Notify(ctx context.Context, t *task.Task) {
	if t == nil || t.WebhookURL == "" || !t.Status.Terminal() {
		return
	}
	if !n.claim(t.ID) {
		n.logger.Debug("webhook: duplicate notify suppressed for task %s", t.ID)
		return
	}

	payload := Payload{TaskID: t.ID, Status: string(t.Status)}
	switch t.Status {
	case task.StatusCompleted:
		payload.Result = t.Result
	case task.StatusFailed:
		payload.Error = t.Error
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook: marshal payload for task %s: %v", t.ID, err)
		return
	}

	backoff := errors.RetryConfig{BaseDelay: n.cfg.BaseDelay, MaxDelay: 0, JitterFactor: 0}
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		// Every attempt, the first included, is scheduled after its delay:
		// attempt n fires BaseDelay*2^(n-1) after the previous one.
		delay := errors.Backoff(attempt-1, backoff)
		if err := n.sleep(ctx, delay); err != nil {
			n.logger.Warn("webhook: delivery for task %s abandoned before attempt %d: %v", t.ID, attempt, err)
			n.metrics.WebhookDelivery("abandoned")
			return
		}

		err := n.post(ctx, t.WebhookURL, body)
		if err == nil {
			n.metrics.WebhookAttempt("success")
			n.metrics.WebhookDelivery("delivered")
			n.logger.Info("webhook: task %s delivered to %s on attempt %d", t.ID, t.WebhookURL, attempt)
			return
		}
		n.metrics.WebhookAttempt("failure")
		n.logger.Warn("webhook: task %s attempt %d/%d failed: %v", t.ID, attempt, n.cfg.MaxAttempts, err)
	}

	n.metrics.WebhookDelivery("exhausted")
	n.logger.Error("webhook: task %s delivery to %s exhausted after %d attempts", t.ID, t.WebhookURL, n.cfg.MaxAttempts)
}

// claim marks a task ID as notified. It returns false when a sequence for
// the same ID already ran within the dedupe window, so a finalize race can
// never start two sequences.
func (n *Notifier) claim(taskID string) bool {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	if n.seen.Contains(taskID) {
		return false
	}
	n.seen.Add(taskID, struct{}{})
	return true
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
