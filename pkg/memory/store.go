// Package memory defines the persistence layer for conversation turns.
//
// Every exchange the service completes (a transcribed utterance and its
// reply, or an idle prompt such as a check-in) is recorded as an immutable
// [Turn]. Stores are append-only; the most recent turns of a session are read
// back to give the response generator conversational context.
//
// All interfaces are public so that external packages can supply alternative
// storage backends without depending on cadence internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"time"
)

// TurnKind names the action that produced a turn.
type TurnKind string

const (
	// KindSpeech is a reply to a completed run of speech.
	KindSpeech TurnKind = "speech"

	// KindCheckIn is a gentle check-in after the first silent chunk.
	KindCheckIn TurnKind = "check_in"

	// KindConversationStarter is an opener after a longer silence.
	KindConversationStarter TurnKind = "conversation_starter"

	// KindPresenceCheck asks whether the user is still there.
	KindPresenceCheck TurnKind = "presence_check"
)

// Turn is one persisted exchange. Turns are immutable once appended.
type Turn struct {
	// ID is a unique identifier (UUID).
	ID string `json:"id"`

	// SessionID is the conversation this turn belongs to.
	SessionID string `json:"session_id"`

	// CreatedAt is when the turn was completed.
	CreatedAt time.Time `json:"created_at"`

	// Kind is the action that produced the turn.
	Kind TurnKind `json:"kind"`

	// Transcript is what the user said. Idle actions without speech store a
	// short placeholder describing the action instead.
	Transcript string `json:"transcript"`

	// Response is the generated reply.
	Response string `json:"response"`

	// Mood is the mood label the reply was conditioned on.
	Mood string `json:"mood"`

	// FirstSeq and LastSeq are the inclusive chunk sequence range the turn
	// covers. Both are zero for actions not tied to audio.
	FirstSeq uint64 `json:"first_seq,omitempty"`
	LastSeq  uint64 `json:"last_seq,omitempty"`
}

// ChunkRange renders the covered sequence range as "first-last", or "" when
// the turn covers no chunks.
func (t Turn) ChunkRange() string {
	switch {
	case t.FirstSeq == 0 && t.LastSeq == 0:
		return ""
	case t.FirstSeq == t.LastSeq:
		return fmt.Sprintf("%d", t.FirstSeq)
	default:
		return fmt.Sprintf("%d-%d", t.FirstSeq, t.LastSeq)
	}
}

// TurnStore is an append-only log of turns per session.
type TurnStore interface {
	// AppendTurn persists t. Returns an error only on storage failure.
	AppendTurn(ctx context.Context, t Turn) error

	// RecentTurns returns up to limit of the newest turns for sessionID in
	// chronological order (oldest first). limit <= 0 returns all turns.
	// Returns an empty (non-nil) slice when none exist.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
