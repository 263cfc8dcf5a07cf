package session

import (
	"context"

	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/provider/llm"
)

// History replays a session's recent turns as chat messages so the response
// generator sees the conversation so far.
//
// Turns come back from the store oldest first. When their estimated token
// cost exceeds the budget, the oldest turns are dropped until it fits.
type History struct {
	store     memory.TurnStore
	turns     int
	maxTokens int
}

// NewHistory returns a History replaying up to turns turns from store within
// maxTokens estimated tokens. turns <= 0 disables history; maxTokens <= 0
// means no token budget.
func NewHistory(store memory.TurnStore, turns, maxTokens int) *History {
	return &History{store: store, turns: turns, maxTokens: maxTokens}
}

// Messages returns the replayed conversation for sessionID, oldest first.
// Store failures yield an empty history.
func (h *History) Messages(ctx context.Context, sessionID string) []llm.Message {
	if h == nil || h.store == nil || h.turns <= 0 {
		return nil
	}
	turns, err := h.store.RecentTurns(ctx, sessionID, h.turns)
	if err != nil {
		return nil
	}

	msgs := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		if t.Transcript != "" && spoken(t.Kind) {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Transcript})
		}
		if t.Response != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Response})
		}
	}
	return h.trim(msgs)
}

// trim drops the oldest messages until the estimate fits the budget. It never
// leaves an assistant message at the front without the user turn before it.
func (h *History) trim(msgs []llm.Message) []llm.Message {
	if h.maxTokens <= 0 {
		return msgs
	}
	for len(msgs) > 0 && llm.EstimateTokens(msgs) > h.maxTokens {
		msgs = msgs[1:]
		for len(msgs) > 0 && msgs[0].Role == llm.RoleAssistant {
			msgs = msgs[1:]
		}
	}
	return msgs
}

// spoken reports whether turns of kind carry words the user actually said.
func spoken(kind memory.TurnKind) bool {
	return kind == memory.KindSpeech || kind == memory.KindCheckIn
}
