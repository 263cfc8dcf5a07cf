// Package resilience keeps the shared collaborators of every session usable
// when a provider misbehaves.
//
// [CircuitBreaker] stops calling a provider that keeps failing and probes it
// again after a cool-down. [FallbackGroup] puts one breaker in front of each
// configured backend and walks them in order. [Retry] wraps a single
// collaborator call in bounded exponential backoff.
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

// ErrCircuitOpen is returned instead of calling a provider whose breaker is
// open, or whose half-open probe budget is taken.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until ResetTimeout has passed since the last
	// failure.
	StateOpen
	// StateHalfOpen lets HalfOpenMax probes through. One failed probe opens
	// the breaker again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and OnStateChange calls.
	Name string

	// MaxFailures is the run of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes that close the breaker.
	// Default 1.
	HalfOpenMax int

	// OnStateChange runs after each transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// CircuitBreaker is a closed, open and half-open breaker around one provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen]. An
// error returned after ctx ended is the caller giving up and is not counted
// against the provider.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(probe, err, ctx.Err() != nil)
	return err
}

// admit reserves a call slot. probe reports whether the call is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to)
	return probe, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error, abandoned bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil && probe:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.cfg.HalfOpenMax {
			cb.close()
		}
	case err == nil:
		cb.failures = 0
	case abandoned:
		if probe {
			cb.probes--
		}
	case probe:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to)
}

// trip and close must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures, cb.probes, cb.passed = 0, 0, 0
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	log := slog.With("name", cb.cfg.Name, "from", from.String())
	switch to {
	case StateOpen:
		log.Warn("circuit breaker opened")
	case StateHalfOpen:
		log.Info("circuit breaker probing")
	case StateClosed:
		log.Info("circuit breaker closed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cool-down has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.close()
	cb.mu.Unlock()
	cb.changed(from, StateClosed)
}
