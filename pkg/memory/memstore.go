package memory

import (
	"context"
	"sync"
)

var _ TurnStore = (*MemStore)(nil)

// MemStore is an in-process [TurnStore] for deployments without a database.
// Turns are lost on restart.
type MemStore struct {
	mu         sync.RWMutex
	perSession int
	turns      map[string][]Turn
}

// NewMemStore returns an empty MemStore keeping at most perSession turns per
// session (oldest dropped first). perSession <= 0 keeps everything.
func NewMemStore(perSession int) *MemStore {
	return &MemStore{perSession: perSession, turns: make(map[string][]Turn)}
}

// AppendTurn implements [TurnStore].
func (m *MemStore) AppendTurn(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := append(m.turns[t.SessionID], t)
	if m.perSession > 0 && len(ts) > m.perSession {
		ts = append([]Turn(nil), ts[len(ts)-m.perSession:]...)
	}
	m.turns[t.SessionID] = ts
	return nil
}

// RecentTurns implements [TurnStore].
func (m *MemStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.turns[sessionID]
	if limit > 0 && len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	out := make([]Turn, len(ts))
	copy(out, ts)
	return out, nil
}

// Forget drops every turn of sessionID.
func (m *MemStore) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
}
