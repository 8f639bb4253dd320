// Package session holds conversational state per session id. Each session
// carries the opaque backend continuity context and an append-only turn
// history; a single-writer discipline guarantees turn N+1 always sees the
// context produced by turn N.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"retouch/internal/backend"
	"retouch/internal/logging"
)

// ErrSessionNotFound is returned when the session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionBusy is returned when another turn for the same session is in
// flight. Callers surface this as a rejection rather than queueing.
var ErrSessionBusy = errors.New("session busy")

// ErrSessionFull is returned when a session reached its configured turn cap.
var ErrSessionFull = errors.New("session turn limit reached")

// Turn is one completed exchange. History is append-only and ordered by
// arrival; no turn is ever rewritten or removed.
type Turn struct {
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a conversational thread. Context belongs exclusively to this
// session and is replayed verbatim on the next turn.
type Session struct {
	ID        string          `json:"session_id"`
	Model     string          `json:"model"`
	Gem       string          `json:"gem,omitempty"`
	Context   backend.Context `json:"-"`
	History   []Turn          `json:"history"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Session) clone() *Session {
	out := *s
	out.Context = s.Context.Clone()
	out.History = make([]Turn, len(s.History))
	copy(out.History, s.History)
	return &out
}

type entry struct {
	session *Session
	busy    bool
}

// Store is the in-memory session store. The mutex guards the map and the
// per-session busy flags; the backend call itself runs outside the lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	maxTurns int
	logger   logging.Logger
}

// NewStore creates an empty store. maxTurns caps history growth per session;
// zero or negative means unbounded.
func NewStore(maxTurns int, logger logging.Logger) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		maxTurns: maxTurns,
		logger:   logging.OrNop(logger),
	}
}

// Create registers a brand-new session produced by a completed first turn.
func (s *Store) Create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session already exists: %s", sess.ID)
	}

	stored := sess.clone()
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.sessions[sess.ID] = &entry{session: stored}
	s.logger.Debug("Session created: %s (model=%s)", sess.ID, sess.Model)
	return nil
}

// Begin acquires the single-writer turn slot for the session and returns a
// snapshot of its state. Exactly one of Commit or Abort must follow. A second
// Begin while a turn is in flight fails with ErrSessionBusy, so two turns can
// never both read the same pre-turn context.
func (s *Store) Begin(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	if s.maxTurns > 0 && len(e.session.History) >= s.maxTurns {
		return nil, fmt.Errorf("%w: %s", ErrSessionFull, sessionID)
	}

	e.busy = true
	return e.session.clone(), nil
}

// Commit appends the completed turn and installs the successor context, then
// releases the turn slot.
func (s *Store) Commit(sessionID string, turn Turn, newContext backend.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !e.busy {
		return fmt.Errorf("commit without begin: %s", sessionID)
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	e.session.History = append(e.session.History, turn)
	e.session.Context = newContext.Clone()
	e.session.UpdatedAt = time.Now()
	e.busy = false
	return nil
}

// Abort releases the turn slot without appending, after a failed turn. The
// session keeps its previous context.
func (s *Store) Abort(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	e.busy = false
}

// Get returns a snapshot of the session for read-only use.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.session.clone(), nil
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
