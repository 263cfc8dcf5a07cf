package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAllFailed is returned when every backend of a [FallbackGroup] failed
	// or had an open circuit.
	ErrAllFailed = errors.New("all providers failed")

	// ErrNoBackends is returned when a group is built without backends.
	ErrNoBackends = errors.New("resilience: fallback group needs at least one backend")
)

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the breaker each backend gets. Its
	// Name is replaced by the backend's name.
	CircuitBreaker CircuitBreakerConfig

	// OnFailure, if set, is called for every backend call that failed,
	// including calls refused by an open circuit.
	OnFailure func(ctx context.Context, backend string, err error)
}

// Backend is one named member of a [FallbackGroup].
type Backend[T any] struct {
	Name  string
	Value T
}

type guarded[T any] struct {
	Backend[T]
	breaker *CircuitBreaker
}

// FallbackGroup tries its backends in order, each behind its own circuit
// breaker, until one succeeds. The backend set is fixed at construction, so
// a group is safe for concurrent use.
type FallbackGroup[T any] struct {
	backends  []guarded[T]
	onFailure func(context.Context, string, error)
}

// NewFallbackGroup builds a group over backends, the first being the
// preferred one.
func NewFallbackGroup[T any](cfg FallbackConfig, backends ...Backend[T]) (*FallbackGroup[T], error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	g := &FallbackGroup[T]{
		backends:  make([]guarded[T], 0, len(backends)),
		onFailure: cfg.OnFailure,
	}
	for _, b := range backends {
		cb := cfg.CircuitBreaker
		cb.Name = b.Name
		g.backends = append(g.backends, guarded[T]{Backend: b, breaker: NewCircuitBreaker(cb)})
	}
	return g, nil
}

// Names returns the backend names in the order they are tried.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.backends))
	for i, b := range g.backends {
		names[i] = b.Name
	}
	return names
}

// Breaker returns the circuit breaker of the named backend, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, b := range g.backends {
		if b.Name == name {
			return b.breaker
		}
	}
	return nil
}

// AllOpen reports whether every backend's circuit is open, i.e. the next
// call would fail without reaching any provider.
func (g *FallbackGroup[T]) AllOpen() bool {
	for _, b := range g.backends {
		if b.breaker.State() != StateOpen {
			return false
		}
	}
	return true
}

// Execute is [Call] for operations without a result.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := Call(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Call runs fn against each backend of g until one succeeds. Backends with an
// open circuit are skipped. Cancellation of ctx stops the walk and returns
// ctx's error; otherwise a total failure returns [ErrAllFailed] wrapping the
// last backend error.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	for i := range g.backends {
		b := &g.backends[i]
		var out R
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, b.Value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err
		if g.onFailure != nil {
			g.onFailure(ctx, b.Name, err)
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("fallback: circuit open, skipping", "provider", b.Name)
			continue
		}
		if i < len(g.backends)-1 {
			slog.Warn("fallback: provider failed, trying next", "provider", b.Name, "next", g.backends[i+1].Name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
