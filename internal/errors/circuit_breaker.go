package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"retouch/internal/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed.
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked.
	StateOpen
	// StateHalfOpen - testing if the service recovered.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without trying it.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures to open the circuit
	SuccessThreshold int           // Consecutive half-open successes to close it
	Timeout          time.Duration // Wait before attempting half-open
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards an unreliable dependency. The generation backend sits
// behind one so a hard outage fails tasks fast instead of tying up executor
// slots for the full timeout.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.OrNop(logger),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection. When the circuit is open,
// fn is not invoked and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.transitionLocked(StateHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	case StateHalfOpen:
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.successCount = 0
		cb.failureCount++
		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.successCount = 0
	if to == StateClosed {
		cb.failureCount = 0
	}
	cb.logger.Warn("circuit breaker %s: %s -> %s", cb.name, from, to)
}
