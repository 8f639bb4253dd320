package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
//
// Lifecycle: pending -> processing -> completed | failed. Terminal states
// never transition again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions is the full state machine. Anything not listed here is an
// invalid transition and a caller bug.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of asynchronous work tracked from pending to a terminal
// state. Result and Error are mutually exclusive: both empty until a terminal
// transition, then exactly one is set.
type Task struct {
	ID          string          `json:"task_id"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	WebhookURL  string          `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// clone returns an independent copy so registry callers never share the
// stored struct with concurrent mutators.
func (t *Task) clone() *Task {
	out := *t
	if t.Result != nil {
		out.Result = make(json.RawMessage, len(t.Result))
		copy(out.Result, t.Result)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// Payload carries the terminal outcome applied by a transition. Result is set
// for completed, Err for failed; non-terminal transitions take a zero Payload.
type Payload struct {
	Result json.RawMessage
	Err    string
}
