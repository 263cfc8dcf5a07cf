package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/provider/stt"
)

// DispatcherConfig holds the collaborators of a [Dispatcher].
type DispatcherConfig struct {
	// STT transcribes speech runs. Required.
	STT stt.Transcriber

	// STTName labels STT metrics. Default: "stt".
	STTName string

	// Orchestrator turns transcripts into responses. Required.
	Orchestrator *Orchestrator

	// Format is the PCM format of every chunk. Default: [audio.Canonical].
	Format audio.Format

	// Window is the chunk length, used to express silence runs in seconds.
	Window time.Duration

	// Retry bounds the transcription calls of one flush.
	Retry resilience.RetryPolicy

	Metrics *observe.Metrics
}

// Dispatcher batches a closed speech run into one WAV payload, transcribes
// it, and passes the transcript on to the [Orchestrator]. It also carries out
// the idle actions the turn machine fires.
//
// A Dispatcher is shared by every session and is safe for concurrent use.
type Dispatcher struct {
	stt     stt.Transcriber
	sttName string
	orch    *Orchestrator
	format  audio.Format
	window  time.Duration
	retry   resilience.RetryPolicy
	metrics *observe.Metrics
}

// NewDispatcher returns a Dispatcher for cfg.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.STT == nil {
		return nil, errors.New("session: dispatcher needs a transcriber")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("session: dispatcher needs an orchestrator")
	}
	if cfg.STTName == "" {
		cfg.STTName = "stt"
	}
	if !cfg.Format.Valid() {
		cfg.Format = audio.Canonical
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		stt:     cfg.STT,
		sttName: cfg.STTName,
		orch:    cfg.Orchestrator,
		format:  cfg.Format,
		window:  cfg.Window,
		retry:   cfg.Retry,
		metrics: cfg.Metrics,
	}, nil
}

// Orchestrator returns the orchestrator responses go through.
func (d *Dispatcher) Orchestrator() *Orchestrator { return d.orch }

// Transcribe concatenates chunks in the order given, wraps them in a WAV
// container and transcribes the result. An empty transcript is returned as
// "", nil.
func (d *Dispatcher) Transcribe(ctx context.Context, chunks []Chunk) (string, error) {
	wav := audio.EncodeWAV(Concat(chunks), d.format)

	start := time.Now()
	text, err := resilience.RetryValue(ctx, d.retry, func(ctx context.Context) (string, error) {
		return d.stt.Transcribe(ctx, wav)
	})
	observe.Since(ctx, d.metrics.STTDuration, start, observe.Attr("provider", d.sttName))
	if err != nil {
		d.metrics.RecordProviderRequest(ctx, d.sttName, "stt", "error")
		d.metrics.RecordProviderError(ctx, d.sttName, "stt")
		return "", fmt.Errorf("session: transcribe: %w", err)
	}
	d.metrics.RecordProviderRequest(ctx, d.sttName, "stt", "ok")
	return strings.TrimSpace(text), nil
}

// Flush transcribes a closed speech run and asks for a response to it.
// Flushing an empty run is a no-op that calls no collaborator. An empty
// transcript abandons the flush with [ErrNoTranscript].
func (d *Dispatcher) Flush(ctx context.Context, sessionID string, run []Chunk) (turn *memory.Turn, err error) {
	if len(run) == 0 {
		return nil, nil
	}
	ctx, span := observe.StartSpan(observe.WithSession(ctx, sessionID), "session.flush",
		attribute.Int("chunks", len(run)))
	defer func() { observe.EndSpan(span, err) }()

	text, err := d.Transcribe(ctx, run)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrNoTranscript
	}

	var total time.Duration
	for _, c := range run {
		total += c.Duration
	}
	return d.orch.Respond(ctx, Job{
		SessionID:  sessionID,
		Kind:       memory.KindSpeech,
		Transcript: text,
		Seconds:    seconds(total),
		FirstSeq:   run[0].Seq,
		LastSeq:    run[len(run)-1].Seq,
	})
}

// Act carries out a fired threshold action. [ActionEndSession] is the
// session's business and is a no-op here.
func (d *Dispatcher) Act(ctx context.Context, sessionID string, t Trigger) (*memory.Turn, error) {
	job := Job{
		SessionID: sessionID,
		Seconds:   seconds(time.Duration(t.Count) * d.window),
		FirstSeq:  t.Chunk.Seq,
		LastSeq:   t.Chunk.Seq,
	}
	switch t.Action {
	case ActionCheckIn:
		// Trailing speech may still sit in the chunk that was judged silent.
		text, err := d.Transcribe(ctx, []Chunk{t.Chunk})
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, ErrNoTranscript
		}
		job.Kind = memory.KindCheckIn
		job.Transcript = text
	case ActionConversationStarter:
		job.Kind = memory.KindConversationStarter
	case ActionPresenceCheck:
		job.Kind = memory.KindPresenceCheck
	case ActionEndSession:
		return nil, nil
	default:
		return nil, fmt.Errorf("session: unknown action %q", t.Action)
	}
	return d.orch.Respond(ctx, job)
}

func seconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}
