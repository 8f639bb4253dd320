// Package scheduler runs the periodic retention sweep that evicts terminal
// tasks from the registry once their TTL has passed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"retouch/internal/logging"
	"retouch/internal/task"
)

// Config holds sweeper configuration.
type Config struct {
	Enabled bool
	// Interval between sweeps, expressed as a cron "@every" duration.
	Interval time.Duration
	// TTL is how long a terminal task stays pollable after completion.
	TTL time.Duration
}

// DefaultConfig keeps completed tasks pollable for an hour and sweeps
// every five minutes.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      time.Hour,
	}
}

// Sweeper drives task retention on a cron schedule.
type Sweeper struct {
	cron     *cron.Cron
	registry *task.Registry
	config   Config
	logger   logging.Logger
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Sweeper. Overlapping runs are skipped.
func New(cfg Config, registry *task.Registry, logger logging.Logger) *Sweeper {
	logger = logging.OrNop(logger)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Sweeper{
		cron:     c,
		registry: registry,
		config:   cfg,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Start registers the sweep job and starts the cron runner. The sweeper
// stops itself when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Retention sweeper disabled by config")
		return nil
	}
	if s.config.Interval <= 0 || s.config.TTL <= 0 {
		return fmt.Errorf("retention sweeper requires positive interval and ttl")
	}

	spec := fmt.Sprintf("@every %s", s.config.Interval)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Retention sweeper started (interval=%s ttl=%s)", s.config.Interval, s.config.TTL)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish. Safe
// to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Retention sweeper stopped")
	})
}

// Done is closed once the sweeper has fully stopped.
func (s *Sweeper) Done() <-chan struct{} {
	return s.stopped
}

func (s *Sweeper) sweep() {
	removed := s.registry.SweepExpired(s.config.TTL)
	if removed > 0 {
		s.logger.Info("Retention sweep evicted %d terminal tasks", removed)
	}
}
