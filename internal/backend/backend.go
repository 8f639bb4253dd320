// Package backend defines the seam to the external generation service. The
// cookie-authenticated client itself lives outside this repo; everything here
// is the contract the rest of the service programs against.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Context is the opaque continuity state returned by the generation service.
// It is stored per session and replayed on the next turn, never interpreted.
type Context []string

// Clone returns an independent copy so stored state never aliases caller slices.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	copy(out, c)
	return out
}

// GenerateRequest carries one conversational turn to the backend.
type GenerateRequest struct {
	Prompt  string
	Files   []string // local paths of downloaded input images
	Model   string   // resolved model name, empty for the service default
	Gem     string   // optional gem identifier
	Context Context  // prior turn's continuity state, nil for a fresh thread
}

// GeneratedImage is one output image as referenced by the backend.
type GeneratedImage struct {
	URL       string            `json:"url"`
	Title     string            `json:"title,omitempty"`
	Alt       string            `json:"alt,omitempty"`
	Generated bool              `json:"generated,omitempty"` // generated images get the full-size suffix when fetched
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// GenerateResult is the backend's answer for one turn.
type GenerateResult struct {
	Text     string           `json:"text"`
	Thoughts string           `json:"thoughts,omitempty"`
	Images   []GeneratedImage `json:"images,omitempty"`
	Context  Context          `json:"context,omitempty"` // successor continuity state for the session
}

// Generator executes one generation call. Implementations must honor ctx
// cancellation; the executor bounds every call with a deadline.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Error wraps a backend failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrTimeout marks a generation call that exceeded its deadline.
var ErrTimeout = errors.New("generation timed out")

// ErrAuthExpired marks a call rejected because the backend cookies lapsed.
var ErrAuthExpired = errors.New("backend authentication expired")

// NewError wraps err for the given operation, passing nil through.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsTimeout reports whether err represents a deadline expiry, either our
// sentinel or a context deadline surfaced by the transport.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
