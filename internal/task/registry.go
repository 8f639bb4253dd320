// Package task implements the in-memory task registry: the single source of
// truth for task status. All state lives for the process lifetime only;
// terminal tasks are evicted by the retention sweep.
package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"retouch/internal/id"
	"retouch/internal/logging"
)

// ErrTaskNotFound is returned when a task lookup fails.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a requested status change is not
// legal from the task's current state. This indicates a programming or race
// defect in the caller, never expected in correct operation.
var ErrInvalidTransition = errors.New("invalid task transition")

// Registry holds all tasks in memory behind a single mutex. Transitions for
// one id serialize through the lock, so status polls never observe a state
// the state machine does not permit.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger logging.Logger
}

// NewRegistry creates an empty task registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: logging.OrNop(logger),
	}
}

// Create inserts a new pending task. webhookURL may be empty; it is immutable
// afterwards. Returns a copy of the stored task.
func (r *Registry) Create(webhookURL string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	t := &Task{
		ID:         id.NewTaskID(),
		Status:     StatusPending,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.tasks[t.ID] = t
	return t.clone()
}

// Get retrieves a copy of the task with the given id.
func (r *Registry) Get(taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.clone(), nil
}

// Transition atomically moves the task to the given status, applying the
// payload for terminal states. Illegal moves return ErrInvalidTransition and
// leave the task untouched. The returned copy reflects the committed state;
// a caller holding it for a terminal transition is the one and only caller
// that owns the follow-up notification.
func (r *Registry) Transition(taskID string, to Status, payload Payload) (*Task, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if !transitionAllowed(t.Status, to) {
		r.logger.Error("Registry: invalid transition %s -> %s for %s", t.Status, to, taskID)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	now := time.Now()
	switch to {
	case StatusProcessing:
		t.StartedAt = &now
	case StatusCompleted:
		if payload.Result == nil {
			return nil, fmt.Errorf("%w: completed requires a result", ErrInvalidTransition)
		}
		t.Result = payload.Result
		t.CompletedAt = &now
	case StatusFailed:
		if payload.Err == "" {
			return nil, fmt.Errorf("%w: failed requires an error", ErrInvalidTransition)
		}
		t.Error = payload.Err
		t.CompletedAt = &now
	}

	t.Status = to
	t.UpdatedAt = now
	return t.clone(), nil
}

// List returns copies of all tasks, newest first, with total count.
func (r *Registry) List(limit int, offset int) ([]*Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	total := len(tasks)
	if offset >= total {
		return []*Task{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	out := make([]*Task, 0, end-offset)
	for _, t := range tasks[offset:end] {
		out = append(out, t.clone())
	}
	return out, total, nil
}

// SweepExpired evicts terminal tasks whose terminal transition is older than
// ttl. Non-terminal tasks are never evicted. Returns the eviction count.
func (r *Registry) SweepExpired(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for taskID, t := range r.tasks {
		if !t.Status.Terminal() || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			delete(r.tasks, taskID)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("Registry: evicted %d expired tasks", evicted)
	}
	return evicted
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
