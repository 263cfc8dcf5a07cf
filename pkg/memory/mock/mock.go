// Package mock provides a test double for [memory.TurnStore].
//
//	store := &mock.TurnStore{AppendErrs: []error{errTransient}}
//	// ... exercise the code under test ...
//	if store.Attempts() != 2 { ... }
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/cadence/pkg/memory"
)

var _ memory.TurnStore = (*TurnStore)(nil)

// TurnStore is a mock [memory.TurnStore]. Turns that append successfully are
// served back by RecentTurns unless Recent is set.
type TurnStore struct {
	mu       sync.Mutex
	attempts int
	turns    []memory.Turn

	// AppendErrs are returned in order, one per AppendTurn call. A nil entry
	// succeeds.
	AppendErrs []error

	// AppendErr is returned once AppendErrs is exhausted.
	AppendErr error

	// Recent replaces the stored turns in RecentTurns.
	Recent []memory.Turn

	// RecentErr fails every RecentTurns call.
	RecentErr error
}

// AppendTurn implements [memory.TurnStore].
func (s *TurnStore) AppendTurn(_ context.Context, t memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	err := s.AppendErr
	if len(s.AppendErrs) > 0 {
		err, s.AppendErrs = s.AppendErrs[0], s.AppendErrs[1:]
	}
	if err == nil {
		s.turns = append(s.turns, t)
	}
	return err
}

// RecentTurns implements [memory.TurnStore].
func (s *TurnStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.RecentErr != nil:
		return nil, s.RecentErr
	case s.Recent != nil:
		return s.Recent, nil
	}
	out := []memory.Turn{}
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Attempts returns the number of AppendTurn calls, failed ones included.
func (s *TurnStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Turns returns the appended turns in order.
func (s *TurnStore) Turns() []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.turns)
}
