package session

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/memory"
)

// TurnGuard wraps a [memory.TurnStore] and makes all operations non-fatal.
// Appends are retried under a bounded policy; if the store still fails, the
// error is logged and swallowed and the guard reports itself degraded until
// the next successful call.
//
// The pipeline keeps producing responses while the store is unavailable
// (database restart, network partition); those turns are simply not
// persisted.
//
// TurnGuard implements [memory.TurnStore]. All methods are safe for
// concurrent use.
type TurnGuard struct {
	store    memory.TurnStore
	retry    resilience.RetryPolicy
	degraded atomic.Bool
}

// NewTurnGuard creates a [TurnGuard] around store.
func NewTurnGuard(store memory.TurnStore, retry resilience.RetryPolicy) *TurnGuard {
	return &TurnGuard{store: store, retry: retry}
}

// AppendTurn appends t, retrying transient failures. It always returns nil;
// persistence failures only flip the degraded flag.
func (g *TurnGuard) AppendTurn(ctx context.Context, t memory.Turn) error {
	g.Persist(ctx, t)
	return nil
}

// Persist is AppendTurn reporting whether the turn reached the store.
func (g *TurnGuard) Persist(ctx context.Context, t memory.Turn) bool {
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		return g.store.AppendTurn(ctx, t)
	})
	if err != nil {
		g.degraded.Store(true)
		observe.Logger(observe.WithSession(ctx, t.SessionID)).Warn("turn guard: AppendTurn failed, swallowing error",
			"kind", t.Kind,
			"chunks", t.ChunkRange(),
			"err", err,
		)
		return false
	}
	g.degraded.Store(false)
	return true
}

// RecentTurns reads recent turns. On failure an empty slice is returned and
// the store is marked as degraded.
func (g *TurnGuard) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	turns, err := g.store.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		observe.Logger(observe.WithSession(ctx, sessionID)).Warn("turn guard: RecentTurns failed, returning empty",
			"limit", limit,
			"err", err,
		)
		return []memory.Turn{}, nil
	}
	g.degraded.Store(false)
	return turns, nil
}

// IsDegraded reports whether the most recent store operation failed.
func (g *TurnGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that TurnGuard satisfies memory.TurnStore.
var _ memory.TurnStore = (*TurnGuard)(nil)
