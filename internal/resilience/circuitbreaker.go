// Package resilience keeps the mirror's render loop responsive when a
// segmentation backend is down.
//
// A [CircuitBreaker] sits in front of each backend. After a run of failed
// calls it opens and rejects every call with [ErrCircuitOpen] at once, so a
// dead endpoint costs a render tick nothing instead of a full request
// timeout. After the reset timeout a single trial call is let through; its
// outcome closes or re-opens the breaker. [SegmentFallback] chains several
// backends, each behind its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout has passed.
	StateOpen

	// StateHalfOpen lets one trial call through; all others are rejected
	// until it returns.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
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

// Breaker defaults. A render loop ticks many times per second, so the
// breaker retries a dead backend after seconds rather than minutes.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 10 * time.Second
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failed calls that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it admits a trial call.
	// Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// Now replaces time.Now. Tests use it to step through the reset
	// timeout.
	Now func() time.Time
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trialRunning bool
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		now:          cfg.Now,
	}
}

// Execute runs fn unless the breaker rejects the call with
// [ErrCircuitOpen]. fn's error is returned unchanged.
//
// A call cancelled through its context says nothing about the backend: it
// neither counts as a failure nor closes the breaker. A render loop that
// is stopped mid-call therefore leaves the breaker as it was.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err)
	return err
}

// admit decides whether a call may run and whether it is the trial call.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	case StateHalfOpen:
	default:
		return false, nil
	}
	if cb.trialRunning {
		return false, ErrCircuitOpen
	}
	cb.trialRunning = true
	return true, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialRunning = false
	} else if cb.state != StateClosed {
		// A call admitted before the breaker opened; the trial call decides.
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		if trial {
			// No verdict; the next call is the new trial.
			cb.state = StateOpen
		}
	case err == nil:
		cb.failures = 0
		if trial {
			cb.setState(StateClosed)
		}
	default:
		cb.failures++
		if trial || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	switch s {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"from", from.String(),
			"consecutive_failures", cb.failures,
			"retry_in", cb.resetTimeout,
		)
	default:
		slog.Info("circuit breaker state changed",
			"name", cb.name,
			"from", from.String(),
			"to", s.String(),
		)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
