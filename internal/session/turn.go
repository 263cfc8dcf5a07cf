package session

import (
	"errors"
	"fmt"
	"slices"
)

// Action is what the turn machine asks for when a silence run reaches a
// threshold.
type Action string

const (
	// ActionCheckIn transcribes the triggering silent chunk and answers it
	// with a friendly response.
	ActionCheckIn Action = "check_in"

	// ActionConversationStarter opens a new topic without a transcript.
	ActionConversationStarter Action = "conversation_starter"

	// ActionPresenceCheck politely asks whether the user is still there.
	ActionPresenceCheck Action = "presence_check"

	// ActionEndSession ends the session.
	ActionEndSession Action = "end_session"
)

// Threshold maps a silence run length to the action fired when the run
// reaches it.
type Threshold struct {
	Count  int
	Action Action
}

// DefaultThresholds is the canonical table: at 5 s windows the actions fire
// after roughly 5 s, 30 s, 60 s and 100 s of continuous silence.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Count: 1, Action: ActionCheckIn},
		{Count: 6, Action: ActionConversationStarter},
		{Count: 12, Action: ActionPresenceCheck},
		{Count: 20, Action: ActionEndSession},
	}
}

// State is the turn machine's coarse state.
type State int

const (
	StateSpeaking State = iota
	StateSilentRun
	StateEnded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSpeaking:
		return "speaking"
	case StateSilentRun:
		return "silent_run"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Trigger is one fired threshold action.
type Trigger struct {
	Action Action

	// Count is the silence run length that fired the action.
	Count int

	// Chunk is the silent chunk that reached the threshold.
	Chunk Chunk
}

// Decision is the outcome of observing one classified chunk.
type Decision struct {
	// Flush holds the speech run closed by this chunk, in Seq order. Empty
	// when nothing was flushed.
	Flush []Chunk

	// Triggers are the threshold actions fired by this chunk.
	Triggers []Trigger

	// Ended is set when this chunk moved the machine to [StateEnded].
	Ended bool
}

// ErrUnclassified is returned by [TurnMachine.Observe] for a chunk without a
// verdict.
var ErrUnclassified = errors.New("session: chunk is not classified")

// TurnMachine consumes classified chunks in sequence order, keeps the open
// speech run and the silence run counter, and decides when to flush speech
// and when to fire idle actions.
//
// A TurnMachine belongs to one session worker and is not safe for concurrent
// use.
type TurnMachine struct {
	thresholds map[int]Action

	state   State
	silence int
	run     []Chunk
	lastSeq uint64
}

// NewTurnMachine returns a machine in [StateSpeaking] using the given
// threshold table. Counts must be positive and unique.
func NewTurnMachine(thresholds []Threshold) (*TurnMachine, error) {
	m := &TurnMachine{thresholds: make(map[int]Action, len(thresholds))}
	for _, t := range thresholds {
		if t.Count <= 0 {
			return nil, fmt.Errorf("session: threshold count must be positive, got %d", t.Count)
		}
		if prev, dup := m.thresholds[t.Count]; dup {
			return nil, fmt.Errorf("session: threshold %d maps to both %s and %s", t.Count, prev, t.Action)
		}
		m.thresholds[t.Count] = t.Action
	}
	return m, nil
}

// Observe applies one classified chunk. Chunks must arrive in increasing Seq
// order; observations after the machine ended are ignored.
func (m *TurnMachine) Observe(c Chunk) (Decision, error) {
	if !c.Classified {
		return Decision{}, ErrUnclassified
	}
	if m.state == StateEnded {
		return Decision{}, nil
	}
	if c.Seq <= m.lastSeq {
		return Decision{}, fmt.Errorf("session: chunk %d observed after %d", c.Seq, m.lastSeq)
	}
	m.lastSeq = c.Seq

	if !c.Silent {
		m.silence = 0
		m.run = append(m.run, c)
		m.state = StateSpeaking
		return Decision{}, nil
	}

	var d Decision
	if len(m.run) > 0 {
		d.Flush = m.run
		m.run = nil
	}
	m.silence++
	m.state = StateSilentRun

	// The counter grows by exactly one per silent chunk, so equality fires
	// every threshold once per run.
	if action, ok := m.thresholds[m.silence]; ok {
		d.Triggers = append(d.Triggers, Trigger{Action: action, Count: m.silence, Chunk: c})
		if action == ActionEndSession {
			m.end()
			d.Ended = true
		}
	}
	return d, nil
}

// End moves the machine to [StateEnded] and returns the open speech run,
// which the caller drops.
func (m *TurnMachine) End() []Chunk {
	run := m.run
	m.end()
	return run
}

func (m *TurnMachine) end() {
	m.state = StateEnded
	m.run = nil
}

// State returns the coarse state.
func (m *TurnMachine) State() State { return m.state }

// SilenceRun returns the number of consecutive silent chunks since the last
// speech chunk.
func (m *TurnMachine) SilenceRun() int { return m.silence }

// SpeechRunLen returns the number of chunks in the open speech run.
func (m *TurnMachine) SpeechRunLen() int { return len(m.run) }

// SpeechRun returns a copy of the open speech run.
func (m *TurnMachine) SpeechRun() []Chunk { return slices.Clone(m.run) }
