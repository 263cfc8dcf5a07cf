package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/memory"
	memmock "github.com/MrWong99/cadence/pkg/memory/mock"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	"github.com/MrWong99/cadence/pkg/provider/mood"
	moodmock "github.com/MrWong99/cadence/pkg/provider/mood/mock"
)

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	if cfg.LLM == nil {
		cfg.LLM = &llmmock.Provider{Reply: "Hi!"}
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = noRetry
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestOrchestrator_SpeechTurn(t *testing.T) {
	t.Parallel()
	store := memory.NewMemStore(0)
	gen := &llmmock.Provider{Reply: "  Sounds great!  "}
	moods := &moodmock.Provider{Label: "happy"}
	o := newTestOrchestrator(t, OrchestratorConfig{
		LLM:         gen,
		Mood:        moods,
		Store:       NewTurnGuard(store, noRetry),
		MaxTokens:   150,
		Temperature: 0.7,
	})

	turn, err := o.Respond(context.Background(), Job{
		SessionID: "s1", Kind: memory.KindSpeech, Transcript: "I went hiking",
		Seconds: 12, FirstSeq: 1, LastSeq: 3,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if turn.Response != "Sounds great!" || turn.Mood != "happy" || turn.ID == "" {
		t.Fatalf("turn = %+v", turn)
	}
	if turn.FirstSeq != 1 || turn.LastSeq != 3 {
		t.Errorf("chunk range = %s, want 1-3", turn.ChunkRange())
	}

	req, ok := gen.LastRequest()
	if !ok {
		t.Fatal("generator was not called")
	}
	if req.SystemPrompt != "You are a compassionate AI assistant. The user appears happy." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != 150 || req.Temperature != 0.7 {
		t.Errorf("request tuning = %d/%v", req.MaxTokens, req.Temperature)
	}
	user := req.Messages[len(req.Messages)-1]
	if user.Role != llm.RoleUser || !strings.Contains(user.Content, "12 seconds") ||
		!strings.Contains(user.Content, "I went hiking") {
		t.Errorf("user message = %+v", user)
	}
	if moods.Calls[0].Transcript != "I went hiking" {
		t.Errorf("mood request = %+v", moods.Calls[0])
	}

	stored, _ := store.RecentTurns(context.Background(), "s1", 0)
	if len(stored) != 1 || stored[0].ID != turn.ID {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestOrchestrator_MoodFailureFallsBackToNeutral(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mood mood.Provider
	}{
		{"no source", nil},
		{"error", &moodmock.Provider{Err: errBoom}},
		{"empty label", &moodmock.Provider{Label: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := newTestOrchestrator(t, OrchestratorConfig{Mood: tt.mood})
			turn, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindConversationStarter})
			if err != nil {
				t.Fatalf("Respond: %v", err)
			}
			if turn.Mood != mood.Neutral {
				t.Errorf("mood = %q, want neutral", turn.Mood)
			}
		})
	}
}

func TestOrchestrator_IdleTurnsUsePlaceholderTranscripts(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, OrchestratorConfig{})

	starter, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindConversationStarter})
	if err != nil {
		t.Fatalf("starter: %v", err)
	}
	presence, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindPresenceCheck, Seconds: 60})
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if starter.Transcript != "Conversation Starter" || presence.Transcript != "Are you there?" {
		t.Errorf("transcripts = %q / %q", starter.Transcript, presence.Transcript)
	}
}

func TestOrchestrator_RequiresTranscriptForSpokenKinds(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Provider{Reply: "x"}
	o := newTestOrchestrator(t, OrchestratorConfig{LLM: gen})

	for _, kind := range []memory.TurnKind{memory.KindSpeech, memory.KindCheckIn} {
		_, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: kind, Transcript: "  "})
		if !errors.Is(err, ErrNoTranscript) {
			t.Errorf("%s: err = %v, want ErrNoTranscript", kind, err)
		}
	}
	if gen.CallCount() != 0 {
		t.Errorf("generator called %d times", gen.CallCount())
	}
}

func TestOrchestrator_GeneratorFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		gen  *llmmock.Provider
		want error
	}{
		{"error", &llmmock.Provider{Err: errBoom}, errBoom},
		{"nil response", &llmmock.Provider{Func: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) { return nil, nil }}, ErrEmptyResponse},
		{"empty reply", &llmmock.Provider{}, ErrEmptyResponse},
		{"blank response", &llmmock.Provider{Reply: " \n"}, ErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewMemStore(0)
			o := newTestOrchestrator(t, OrchestratorConfig{LLM: tt.gen, Store: NewTurnGuard(store, noRetry)})
			_, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindPresenceCheck})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if turns, _ := store.RecentTurns(context.Background(), "s", 0); len(turns) != 0 {
				t.Errorf("abandoned job persisted %d turns", len(turns))
			}
		})
	}
}

func TestOrchestrator_RetriesGenerator(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Provider{
		Errs:  []error{errBoom, errBoom},
		Reply: "finally",
	}
	o := newTestOrchestrator(t, OrchestratorConfig{
		LLM:   gen,
		Retry: resilience.RetryPolicy{Attempts: 3},
	})
	turn, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindConversationStarter})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if turn.Response != "finally" || gen.CallCount() != 3 {
		t.Errorf("response %q after %d calls", turn.Response, gen.CallCount())
	}
}

func TestOrchestrator_StoreFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	store := &memmock.TurnStore{AppendErr: errBoom}
	guard := NewTurnGuard(store, noRetry)
	o := newTestOrchestrator(t, OrchestratorConfig{Store: guard})

	turn, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindPresenceCheck})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if turn == nil || turn.Response == "" {
		t.Fatal("response should survive a store failure")
	}
	if !guard.IsDegraded() {
		t.Error("guard should report degraded")
	}
}

func TestOrchestrator_ReplaysHistory(t *testing.T) {
	t.Parallel()
	store := memory.NewMemStore(0)
	gen := &llmmock.Provider{Reply: "reply"}
	o := newTestOrchestrator(t, OrchestratorConfig{
		LLM:     gen,
		Store:   NewTurnGuard(store, noRetry),
		History: NewHistory(store, 10, 0),
	})
	ctx := context.Background()

	if _, err := o.Respond(ctx, Job{SessionID: "s", Kind: memory.KindSpeech, Transcript: "first", Seconds: 5}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := o.Respond(ctx, Job{SessionID: "s", Kind: memory.KindSpeech, Transcript: "second", Seconds: 5}); err != nil {
		t.Fatalf("second: %v", err)
	}

	req, _ := gen.LastRequest()
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages, want history pair + prompt", len(req.Messages))
	}
	if req.Messages[0].Content != "first" || req.Messages[1].Content != "reply" {
		t.Errorf("history = %+v", req.Messages[:2])
	}
}

func TestOrchestrator_SetPrompts(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Provider{Reply: "ok"}
	o := newTestOrchestrator(t, OrchestratorConfig{LLM: gen})

	o.SetPrompts(Prompts{PresenceCheck: "still there after {seconds}s?"})
	if _, err := o.Respond(context.Background(), Job{SessionID: "s", Kind: memory.KindPresenceCheck, Seconds: 60}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	req, _ := gen.LastRequest()
	if got := req.Messages[len(req.Messages)-1].Content; got != "still there after 60s?" {
		t.Errorf("prompt = %q", got)
	}
	if o.Prompts().System != DefaultSystemPrompt {
		t.Error("unset templates should keep their defaults")
	}
}

func TestNewOrchestrator_RequiresLLM(t *testing.T) {
	t.Parallel()
	if _, err := NewOrchestrator(OrchestratorConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
