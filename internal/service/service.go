// Package service orchestrates conversational turns: it resolves models,
// moves input and output images through the image store, runs the generation
// backend under a timeout and circuit breaker, and maintains the task
// registry and session store around each call.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"retouch/internal/async"
	"retouch/internal/backend"
	"retouch/internal/errors"
	"retouch/internal/id"
	"retouch/internal/images"
	"retouch/internal/logging"
	"retouch/internal/metrics"
	"retouch/internal/session"
	"retouch/internal/task"
	"retouch/internal/webhook"
)

// ErrImageFetch marks a failure to download a caller-supplied input image.
var ErrImageFetch = stderrors.New("input image fetch failed")

// TurnRequest is one conversational turn as submitted by a caller.
type TurnRequest struct {
	SessionID  string   // empty starts a new session
	Prompt     string
	Model      string
	Gem        string
	ImageURLs  []string
	WebhookURL string // async submissions only
}

// TurnResult is the caller-visible outcome of a completed turn. For
// asynchronous tasks the same value, marshalled once, is served by the
// status poll and posted to the webhook.
type TurnResult struct {
	SessionID string           `json:"session_id"`
	Model     string           `json:"model"`
	Text      string           `json:"text"`
	Thoughts  string           `json:"thoughts,omitempty"`
	Images    []images.Payload `json:"images,omitempty"`
}

// Config tunes the executor.
type Config struct {
	// BackendTimeout bounds each generation call.
	BackendTimeout time.Duration
	// MaxConcurrent caps backend calls in flight across all tasks.
	MaxConcurrent int64
	// DefaultModel is used when a new session's first turn names no model.
	DefaultModel string
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		BackendTimeout: 5 * time.Minute,
		MaxConcurrent:  8,
	}
}

// Deps collects the collaborators the service drives.
type Deps struct {
	Generator backend.Generator
	Sessions  *session.Store
	Tasks     *task.Registry
	Notifier  *webhook.Notifier
	Images    *images.Store
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

// Service is the dispatcher and task executor.
type Service struct {
	cfg      Config
	gen      backend.Generator
	sessions *session.Store
	tasks    *task.Registry
	notifier *webhook.Notifier
	images   *images.Store
	breaker  *errors.CircuitBreaker
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// New builds a Service. Deps.Notifier and Deps.Metrics may be nil.
func New(cfg Config, deps Deps) *Service {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	logger := logging.OrNop(deps.Logger)
	return &Service{
		cfg:      cfg,
		gen:      deps.Generator,
		sessions: deps.Sessions,
		tasks:    deps.Tasks,
		notifier: deps.Notifier,
		images:   deps.Images,
		breaker:  errors.NewCircuitBreaker("backend", errors.DefaultCircuitBreakerConfig(), logger),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// StartSession runs the first turn of a new conversation synchronously. The
// session ID is minted only after the backend call succeeds, so a failed
// first turn leaves no session behind.
func (s *Service) StartSession(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = s.cfg.DefaultModel
	}
	model, err := backend.ResolveModel(modelName)
	if err != nil {
		return nil, err
	}

	outcome, newContext, err := s.generate(ctx, req, nil, model)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:      id.NewSessionID(),
		Model:   model.Name,
		Gem:     req.Gem,
		Context: newContext,
		History: []session.Turn{turnFromOutcome(req, outcome)},
	}
	if err := s.sessions.Create(sess); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	outcome.SessionID = sess.ID
	return outcome, nil
}

// ContinueSession runs one more turn on an existing session. The session's
// turn slot is held for the duration of the backend call; a concurrent turn
// for the same session is rejected with session.ErrSessionBusy.
func (s *Service) ContinueSession(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	snapshot, err := s.sessions.Begin(req.SessionID)
	if err != nil {
		return nil, err
	}
	ctx = id.WithSessionID(ctx, req.SessionID)

	modelName := req.Model
	if modelName == "" {
		modelName = snapshot.Model
	}
	model, err := backend.ResolveModel(modelName)
	if err != nil {
		s.sessions.Abort(req.SessionID)
		return nil, err
	}
	if req.Gem == "" {
		req.Gem = snapshot.Gem
	}

	outcome, newContext, err := s.generate(ctx, req, snapshot.Context, model)
	if err != nil {
		s.sessions.Abort(req.SessionID)
		return nil, err
	}

	if err := s.sessions.Commit(req.SessionID, turnFromOutcome(req, outcome), newContext); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}

	outcome.SessionID = req.SessionID
	return outcome, nil
}

// SubmitAsync records a pending task and schedules the turn in the
// background. The returned task is what the accepting handler reports; the
// caller's request context does not cancel the execution.
func (s *Service) SubmitAsync(ctx context.Context, req TurnRequest) *task.Task {
	t := s.tasks.Create(req.WebhookURL)
	s.metrics.TaskCreated()

	bg := id.WithTaskID(context.WithoutCancel(ctx), t.ID)
	async.Go(s.logger, "task "+t.ID, func() {
		s.runTask(bg, t.ID, req)
	})
	return t
}

// runTask drives one asynchronous task from pending to a terminal state and
// hands the committed terminal snapshot to the notifier exactly once.
func (s *Service) runTask(ctx context.Context, taskID string, req TurnRequest) {
	if _, err := s.tasks.Transition(taskID, task.StatusProcessing, task.Payload{}); err != nil {
		s.logger.Error("task %s: enter processing: %v", taskID, err)
		return
	}
	s.metrics.TaskTransition(string(task.StatusProcessing))

	var outcome *TurnResult
	var err error
	if req.SessionID == "" {
		outcome, err = s.StartSession(ctx, req)
	} else {
		outcome, err = s.ContinueSession(ctx, req)
	}

	var committed *task.Task
	var terr error
	if err != nil {
		committed, terr = s.tasks.Transition(taskID, task.StatusFailed, task.Payload{Err: err.Error()})
	} else {
		raw, merr := json.Marshal(outcome)
		if merr != nil {
			committed, terr = s.tasks.Transition(taskID, task.StatusFailed, task.Payload{Err: fmt.Sprintf("encode result: %v", merr)})
		} else {
			committed, terr = s.tasks.Transition(taskID, task.StatusCompleted, task.Payload{Result: raw})
		}
	}
	if terr != nil {
		s.logger.Error("task %s: finalize: %v", taskID, terr)
		return
	}
	s.metrics.TaskTransition(string(committed.Status))

	if s.notifier != nil {
		s.notifier.Notify(ctx, committed)
	}
}

// generate runs one bounded backend call, including input download and
// output persistence. It returns the turn outcome without a session ID and
// the successor continuity state.
func (s *Service) generate(ctx context.Context, req TurnRequest, convContext backend.Context, model backend.Model) (*TurnResult, backend.Context, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("acquire execution slot: %w", err)
	}
	defer s.sem.Release(1)

	paths, cleanup, err := s.images.FetchInputs(ctx, req.ImageURLs)
	defer cleanup()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrImageFetch, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()

	s.logger.Debug("backend call starting: model=%s%s", model.Name, id.Label(ctx))

	s.metrics.TaskStarted()
	start := time.Now()
	var result *backend.GenerateResult
	err = s.breaker.Execute(callCtx, func(ctx context.Context) error {
		r, gerr := s.gen.Generate(ctx, backend.GenerateRequest{
			Prompt:  req.Prompt,
			Files:   paths,
			Model:   model.Name,
			Gem:     req.Gem,
			Context: convContext,
		})
		if gerr != nil {
			return gerr
		}
		result = r
		return nil
	})
	elapsed := time.Since(start)
	s.metrics.TaskFinished()

	if err != nil {
		if backend.IsTimeout(err) || callCtx.Err() == context.DeadlineExceeded {
			s.metrics.BackendCall("timeout", elapsed)
			return nil, nil, fmt.Errorf("%w after %s", backend.ErrTimeout, s.cfg.BackendTimeout)
		}
		s.metrics.BackendCall("error", elapsed)
		return nil, nil, backend.NewError("generate", err)
	}
	s.metrics.BackendCall("success", elapsed)

	payloads, err := s.images.SaveOutputs(ctx, result.Images)
	if err != nil {
		return nil, nil, fmt.Errorf("persist output images: %w", err)
	}

	outcome := &TurnResult{
		Model:    model.Name,
		Text:     result.Text,
		Thoughts: result.Thoughts,
		Images:   payloads,
	}
	return outcome, result.Context.Clone(), nil
}

func turnFromOutcome(req TurnRequest, outcome *TurnResult) session.Turn {
	urls := make([]string, 0, len(outcome.Images))
	for _, img := range outcome.Images {
		urls = append(urls, img.URL)
	}
	return session.Turn{
		Prompt:    req.Prompt,
		Response:  outcome.Text,
		ImageURLs: urls,
		CreatedAt: time.Now(),
	}
}
