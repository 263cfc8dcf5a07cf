package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/memory"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	moodmock "github.com/MrWong99/cadence/pkg/provider/mood/mock"
	sttmock "github.com/MrWong99/cadence/pkg/provider/stt/mock"
	"github.com/MrWong99/cadence/pkg/provider/vad"
	"github.com/MrWong99/cadence/pkg/provider/vad/energy"
)

// tone returns ms milliseconds of a loud 440 Hz sine in canonical format.
// phase makes otherwise identical payloads differ.
func tone(ms int, phase float64) []byte {
	n := audio.Canonical.SampleRate * ms / 1000
	out := make([]byte, 2*n)
	for i := range n {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000+phase))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// quiet returns ms milliseconds of near-silence. Each seed holds every value
// for seed+1 samples, so different seeds give different payloads.
func quiet(ms int, seed int) []byte {
	n := audio.Canonical.SampleRate * ms / 1000
	out := make([]byte, 2*n)
	for i := range n {
		v := int16(i / (seed + 1) % 5)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// pcmDecoder treats every payload as canonical PCM, except "garbage".
type pcmDecoder struct {
	block chan struct{}
}

func (d *pcmDecoder) Decode(ctx context.Context, raw []byte, _ string) (audio.Waveform, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return audio.Waveform{}, ctx.Err()
		}
	}
	if string(raw) == "garbage" {
		return audio.Waveform{}, audio.ErrUndecodable
	}
	return audio.Waveform{PCM: raw, Format: audio.Canonical}, nil
}

func energyClassifier(t *testing.T) vad.Classifier {
	t.Helper()
	c, err := energy.New(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("energy.New: %v", err)
	}
	return c
}

var noRetry = resilience.RetryPolicy{Attempts: 1}

// rig is a session wired to mocks.
type rig struct {
	session *Session
	store   *memory.MemStore
	stt     *sttmock.Transcriber
	llm     *llmmock.Provider
	mood    *moodmock.Provider
	ended   chan EndReason
}

type rigOption func(*Config, *Deps, *rig)

func newRig(t *testing.T, opts ...rigOption) *rig {
	t.Helper()
	r := &rig{
		store: memory.NewMemStore(0),
		stt:   &sttmock.Transcriber{Text: "hello there"},
		llm:   &llmmock.Provider{Reply: "Hi! How are you?"},
		mood:  &moodmock.Provider{Label: "happy"},
		ended: make(chan EndReason, 1),
	}
	orch, err := NewOrchestrator(OrchestratorConfig{
		LLM:       r.llm,
		Mood:      r.mood,
		Store:     NewTurnGuard(r.store, noRetry),
		History:   NewHistory(r.store, 10, 0),
		MaxTokens: 150,
		Retry:     noRetry,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	disp, err := NewDispatcher(DispatcherConfig{STT: r.stt, Orchestrator: orch, Retry: noRetry})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	cfg := Config{ID: "s1", QueueDepth: 32}
	deps := Deps{
		Decoder:    &pcmDecoder{},
		Classifier: energyClassifier(t),
		Dispatcher: disp,
		CPU:        NewPool("cpu", 4),
		Actions:    NewPool("actions", 4),
		OnEnd: func(_ *Session, reason EndReason) {
			r.ended <- reason
		},
	}
	for _, o := range opts {
		o(&cfg, &deps, r)
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.session = s
	t.Cleanup(func() {
		s.End(EndShutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return r
}

func (r *rig) submit(t *testing.T, payload []byte) {
	t.Helper()
	if err := r.session.Submit(context.Background(), Upload{Payload: payload}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

// settle waits until the session has processed chunk lastSeq and no action
// is in flight.
func (r *rig) settle(t *testing.T, lastSeq uint64) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, func() bool {
		snap = r.session.Snapshot()
		return snap.Processed == lastSeq && snap.InFlight == 0
	})
	return snap
}

func (r *rig) turns(t *testing.T) []memory.Turn {
	t.Helper()
	turns, err := r.store.RecentTurns(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	return turns
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
