package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/mood"
)

var (
	// ErrNoTranscript is returned when a job that needs user speech has none.
	ErrNoTranscript = errors.New("session: no transcript")

	// ErrEmptyResponse is returned when the generator answered with no text.
	ErrEmptyResponse = errors.New("session: empty response")
)

// Job asks the [Orchestrator] for one response.
type Job struct {
	SessionID string
	Kind      memory.TurnKind

	// Transcript is what the user said. Required for speech and check-in.
	Transcript string

	// Seconds is the spoken duration for speech and the silence duration
	// for idle actions.
	Seconds int

	// FirstSeq and LastSeq are the chunk range the job covers.
	FirstSeq uint64
	LastSeq  uint64
}

// OrchestratorConfig holds the collaborators and tuning of an [Orchestrator].
type OrchestratorConfig struct {
	// LLM generates responses. Required.
	LLM llm.Provider

	// LLMName labels LLM metrics. Default: "llm".
	LLMName string

	// Mood supplies the mood label. Nil always yields [mood.Neutral].
	Mood mood.Provider

	// Store receives finished turns. Nil disables persistence.
	Store *TurnGuard

	// History replays earlier turns. Nil disables history.
	History *History

	Prompts     Prompts
	MaxTokens   int
	Temperature float64

	// Retry bounds the LLM and mood calls of one job.
	Retry resilience.RetryPolicy

	Metrics *observe.Metrics
}

// Orchestrator merges a transcript with the session's mood and history into a
// prompt, asks the response generator, and hands the finished [memory.Turn]
// to the store.
//
// Every collaborator failure is soft: the job is abandoned and reported as an
// error, the caller logs it and moves on. An Orchestrator is shared by every
// session and is safe for concurrent use.
type Orchestrator struct {
	llm         llm.Provider
	llmName     string
	mood        mood.Provider
	store       *TurnGuard
	history     *History
	maxTokens   int
	temperature float64
	retry       resilience.RetryPolicy
	metrics     *observe.Metrics
	now         func() time.Time

	prompts atomic.Pointer[Prompts]
}

// NewOrchestrator returns an Orchestrator for cfg.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.LLM == nil {
		return nil, errors.New("session: orchestrator needs an LLM provider")
	}
	if cfg.LLMName == "" {
		cfg.LLMName = "llm"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		llm:         cfg.LLM,
		llmName:     cfg.LLMName,
		mood:        cfg.Mood,
		store:       cfg.Store,
		history:     cfg.History,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		retry:       cfg.Retry,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
	o.SetPrompts(cfg.Prompts)
	return o, nil
}

// SetPrompts swaps the prompt templates. Jobs already running keep the
// templates they started with.
func (o *Orchestrator) SetPrompts(p Prompts) {
	p = p.withDefaults()
	o.prompts.Store(&p)
}

// Prompts returns the templates in use.
func (o *Orchestrator) Prompts() Prompts { return *o.prompts.Load() }

// Respond runs job to completion. It returns the persisted turn, or an error
// when the job was abandoned. A store failure does not abandon the job.
func (o *Orchestrator) Respond(ctx context.Context, job Job) (turn *memory.Turn, err error) {
	ctx, span := observe.StartSpan(observe.WithSession(ctx, job.SessionID), "session.respond",
		attribute.String("kind", string(job.Kind)))
	defer func() { observe.EndSpan(span, err) }()
	return o.respond(ctx, job)
}

func (o *Orchestrator) respond(ctx context.Context, job Job) (*memory.Turn, error) {
	if (job.Kind == memory.KindSpeech || job.Kind == memory.KindCheckIn) && strings.TrimSpace(job.Transcript) == "" {
		return nil, ErrNoTranscript
	}

	label := o.currentMood(ctx, job)
	prompts := o.Prompts()

	messages := o.history.Messages(ctx, job.SessionID)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: render(prompts.template(job.Kind), job.Seconds, label, job.Transcript),
	})
	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: render(prompts.System, job.Seconds, label, job.Transcript),
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	}

	text, err := o.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	turn := memory.Turn{
		ID:         uuid.NewString(),
		SessionID:  job.SessionID,
		CreatedAt:  o.now().UTC(),
		Kind:       job.Kind,
		Transcript: storedTranscript(job),
		Response:   text,
		Mood:       label,
		FirstSeq:   job.FirstSeq,
		LastSeq:    job.LastSeq,
	}
	o.persist(ctx, turn)
	return &turn, nil
}

// currentMood asks the mood source, falling back to neutral.
func (o *Orchestrator) currentMood(ctx context.Context, job Job) string {
	if o.mood == nil {
		return mood.Neutral
	}
	start := time.Now()
	label, err := resilience.RetryValue(ctx, o.retry, func(ctx context.Context) (string, error) {
		return o.mood.CurrentMood(ctx, mood.Request{SessionID: job.SessionID, Transcript: job.Transcript})
	})
	observe.Since(ctx, o.metrics.MoodDuration, start)
	if err != nil {
		o.metrics.RecordProviderError(ctx, "mood", "mood")
		observe.Logger(ctx).Warn("mood lookup failed, using neutral", "err", err)
		return mood.Neutral
	}
	if label = strings.TrimSpace(label); label == "" {
		return mood.Neutral
	}
	return label
}

// generate calls the response generator with retries.
func (o *Orchestrator) generate(ctx context.Context, req llm.CompletionRequest) (string, error) {
	start := time.Now()
	resp, err := resilience.RetryValue(ctx, o.retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return o.llm.Complete(ctx, req)
	})
	observe.Since(ctx, o.metrics.LLMDuration, start, observe.Attr("provider", o.llmName))
	if err != nil {
		o.metrics.RecordProviderRequest(ctx, o.llmName, "llm", "error")
		o.metrics.RecordProviderError(ctx, o.llmName, "llm")
		return "", fmt.Errorf("session: generate response: %w", err)
	}
	o.metrics.RecordProviderRequest(ctx, o.llmName, "llm", "ok")
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Content), nil
}

func (o *Orchestrator) persist(ctx context.Context, turn memory.Turn) {
	if o.store == nil {
		return
	}
	start := time.Now()
	ok := o.store.Persist(ctx, turn)
	observe.Since(ctx, o.metrics.PersistDuration, start)
	status := "ok"
	if !ok {
		status = "error"
	}
	o.metrics.RecordTurnPersisted(ctx, string(turn.Kind), status)
}

// storedTranscript is the transcript column of the turn: what the user said,
// or a fixed marker for turns nobody spoke into.
func storedTranscript(job Job) string {
	switch job.Kind {
	case memory.KindConversationStarter:
		return ConversationStarterTranscript
	case memory.KindPresenceCheck:
		return PresenceCheckTranscript
	default:
		return job.Transcript
	}
}
