// Package session implements the per-session turn-taking pipeline: raw
// uploads are deduplicated, decoded to canonical PCM, cut into fixed windows,
// classified as speech or silence and fed in order through a [TurnMachine].
// Closed speech runs and fired idle actions are handed to a [Dispatcher],
// which transcribes, asks the [Orchestrator] for a response, and persists
// the resulting turn.
//
// Every [Session] owns its deduplicator, chunker and turn machine. Sessions
// share only stateless collaborators and two bounded [Pool]s, one for CPU
// work and one for collaborator calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/provider/vad"
)

var (
	// ErrQueueFull is returned by [Session.Submit] when the upload queue is
	// saturated under [QueueReject].
	ErrQueueFull = errors.New("session: upload queue full")

	// ErrSessionEnded is returned for uploads to a session that has ended.
	ErrSessionEnded = errors.New("session: ended")

	// ErrNoSession is returned for uploads to an unknown session.
	ErrNoSession = errors.New("session: no such session")

	// ErrTooManySessions is returned when opening a session would exceed the
	// configured limit.
	ErrTooManySessions = errors.New("session: too many open sessions")

	// ErrShuttingDown is returned once no new sessions are accepted.
	ErrShuttingDown = errors.New("session: shutting down")

	// ErrInvalidID is returned for ids that are not URL-safe.
	ErrInvalidID = errors.New("session: invalid id")
)

// QueuePolicy decides what [Session.Submit] does when the queue is full.
type QueuePolicy int

const (
	// QueueReject fails the upload with [ErrQueueFull].
	QueueReject QueuePolicy = iota

	// QueueBlock waits for space, the caller's context, or the session's end.
	QueueBlock
)

// EndReason says why a session ended.
type EndReason string

const (
	EndSilence   EndReason = "silence"
	EndRequested EndReason = "requested"
	EndIdle      EndReason = "idle"
	EndShutdown  EndReason = "shutdown"
)

// Upload is one raw audio payload as received from ingress.
type Upload struct {
	Payload     []byte
	ContentType string

	// Key identifies the upload for duplicate detection. Nil means the
	// payload itself. Ingress that assembles payloads server-side sets a key
	// derived from what the client sent.
	Key []byte
}

// dedupKey is what the Deduplicator sees for u.
func (u Upload) dedupKey() []byte {
	if u.Key != nil {
		return u.Key
	}
	return u.Payload
}

// Decoder turns a raw upload into PCM in the session's format.
// [*audio.Chain] implements it.
type Decoder interface {
	Decode(ctx context.Context, raw []byte, contentType string) (audio.Waveform, error)
}

// Config is the per-session tuning.
type Config struct {
	ID string

	// QueueDepth bounds uploads waiting for the session worker. Default: 8.
	QueueDepth  int
	QueuePolicy QueuePolicy

	// Window is the chunk length. Default: 5s.
	Window   time.Duration
	Trailing Trailing

	// Format is the canonical PCM format the decoder produces.
	// Default: [audio.Canonical].
	Format audio.Format

	// Thresholds is the silence action table. Default: [DefaultThresholds].
	Thresholds []Threshold

	// DedupCapacity bounds the remembered digests. Zero means unbounded.
	DedupCapacity int

	// ActionTimeout bounds one flush or idle action. Default: 60s.
	ActionTimeout time.Duration
}

// Deps are the shared collaborators a session runs on.
type Deps struct {
	Decoder    Decoder
	Classifier vad.Classifier
	Dispatcher *Dispatcher
	CPU        *Pool
	Actions    *Pool
	Metrics    *observe.Metrics

	// BaseContext parents every action. Actions outlive the session's own
	// pipeline so that ending a session drains them instead of cutting them
	// off. Default: context.Background().
	BaseContext context.Context

	// OnEnd, if set, is called once the session has fully stopped.
	OnEnd func(s *Session, reason EndReason)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	SilenceRun   int       `json:"silence_run"`
	SpeechRun    int       `json:"speech_run"`
	NextSeq      uint64    `json:"next_seq"`
	Processed    uint64    `json:"processed"`
	OffsetMs     int64     `json:"offset_ms"`
	Queued       int       `json:"queued"`
	InFlight     int64     `json:"in_flight"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	EndReason    EndReason `json:"end_reason,omitempty"`
}

// Info is what a session registry knows about one session, open or ended.
type Info struct {
	Snapshot

	// Open is false once the session has ended.
	Open bool `json:"open"`

	// EndedAt is set for ended sessions.
	EndedAt time.Time `json:"ended_at,omitzero"`
}

// OpenRequest carries the optional details of an explicit open.
type OpenRequest struct {
	// User is who opened the session.
	User string `json:"user,omitempty"`

	// Mood is the label the user reported, such as the face mood detected
	// at login.
	Mood string `json:"mood,omitempty"`
}

// verdict is the classifier's answer for one piece.
type verdict struct {
	silent bool
	err    error
}

// job is one deduplicated upload on its way through the CPU pool.
type job struct {
	upload   Upload
	done     chan struct{}
	pieces   []Piece
	verdicts []verdict
	err      error
}

// Session is one conversation's pipeline. An ingest goroutine takes uploads
// off the queue in arrival order, drops duplicates, and starts decoding and
// classification on the CPU pool. An apply goroutine collects those results
// in the same order and drives the turn machine. Flushes and idle actions run
// on the action pool, in the order the machine emitted them.
type Session struct {
	id            string
	createdAt     time.Time
	policy        QueuePolicy
	window        time.Duration
	trailing      Trailing
	format        audio.Format
	actionTimeout time.Duration

	decoder    Decoder
	classifier vad.Classifier
	dispatcher *Dispatcher
	cpu        *Pool
	actions    *Pool
	metrics    *observe.Metrics
	base       context.Context
	onEnd      func(*Session, EndReason)
	log        *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan Upload
	pending chan *job

	// Owned by the ingest goroutine.
	dedup *Deduplicator

	// Owned by the apply goroutine.
	lastAction chan struct{}

	mu        sync.Mutex // guards chunker, machine, processed and endReason
	chunker   *Chunker
	machine   *TurnMachine
	processed uint64
	endReason EndReason

	submitMu     sync.RWMutex
	ended        atomic.Bool
	lastActivity atomic.Int64
	inflight     atomic.Int64
	actionsWG    sync.WaitGroup

	ingested chan struct{}
	applied  chan struct{}
	done     chan struct{}
	endOnce  sync.Once
}

// New builds a session and starts its goroutines.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session: id is required")
	}
	if deps.Decoder == nil || deps.Classifier == nil || deps.Dispatcher == nil {
		return nil, errors.New("session: decoder, classifier and dispatcher are required")
	}
	if deps.CPU == nil || deps.Actions == nil {
		return nil, errors.New("session: cpu and action pools are required")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if !cfg.Format.Valid() {
		cfg.Format = audio.Canonical
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	machine, err := NewTurnMachine(cfg.Thresholds)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		id:            cfg.ID,
		createdAt:     now,
		policy:        cfg.QueuePolicy,
		window:        cfg.Window,
		trailing:      cfg.Trailing,
		format:        cfg.Format,
		actionTimeout: cfg.ActionTimeout,
		decoder:       deps.Decoder,
		classifier:    deps.Classifier,
		dispatcher:    deps.Dispatcher,
		cpu:           deps.CPU,
		actions:       deps.Actions,
		metrics:       deps.Metrics,
		base:          deps.BaseContext,
		onEnd:         deps.OnEnd,
		log:           slog.With("session_id", cfg.ID),
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan Upload, cfg.QueueDepth),
		pending:       make(chan *job, cfg.QueueDepth),
		dedup:         NewDeduplicator(cfg.DedupCapacity),
		chunker:       NewChunker(cfg.Window, cfg.Trailing, cfg.Format),
		machine:       machine,
		ingested:      make(chan struct{}),
		applied:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())

	go s.ingest()
	go s.apply()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the session last accepted an upload.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Ended reports whether the session stopped accepting uploads.
func (s *Session) Ended() bool { return s.ended.Load() }

// Done is closed once the session has ended, its goroutines have exited and
// its in-flight actions have drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit queues an upload. It fails with [ErrSessionEnded] once the session
// has ended and with [ErrQueueFull] when the queue is saturated under
// [QueueReject].
func (s *Session) Submit(ctx context.Context, u Upload) error {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.ended.Load() || s.ctx.Err() != nil {
		return ErrSessionEnded
	}

	if s.policy == QueueBlock {
		select {
		case s.queue <- u:
		case <-s.ctx.Done():
			return ErrSessionEnded
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case s.queue <- u:
		default:
			return ErrQueueFull
		}
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.metrics.QueuedUploads.Add(ctx, 1)
	return nil
}

// End stops the session: queued uploads are dropped, the open speech run is
// discarded, and in-flight actions are left to finish. End returns
// immediately; wait on [Session.Done] for the drain. Calling End more than
// once has no further effect.
func (s *Session) End(reason EndReason) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		dropped := s.machine.End()
		s.mu.Unlock()

		s.cancel()
		s.submitMu.Lock()
		s.ended.Store(true)
		s.submitMu.Unlock()

		s.log.Info("session ending", "reason", reason, "dropped_chunks", len(dropped))
		go s.drain(reason)
	})
}

// Wait blocks until [Session.Done] is closed or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		State:        s.machine.State().String(),
		SilenceRun:   s.machine.SilenceRun(),
		SpeechRun:    s.machine.SpeechRunLen(),
		NextSeq:      s.chunker.NextSeq(),
		Processed:    s.processed,
		OffsetMs:     s.chunker.Offset().Milliseconds(),
		Queued:       len(s.queue),
		InFlight:     s.inflight.Load(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		EndReason:    s.endReason,
	}
}

// drain waits for the pipeline goroutines, discards leftover uploads and
// waits for in-flight actions before reporting the end.
func (s *Session) drain(reason EndReason) {
	<-s.ingested
	<-s.applied
	// Submit refuses new uploads once ended is set, so the queue only shrinks.
	for len(s.queue) > 0 {
		<-s.queue
		s.metrics.QueuedUploads.Add(context.Background(), -1)
		s.metrics.RecordUpload(context.Background(), observe.UploadDropped)
	}
	s.actionsWG.Wait()
	s.log.Info("session ended", "reason", reason)
	close(s.done)
	if s.onEnd != nil {
		s.onEnd(s, reason)
	}
}

// ingest takes uploads in arrival order, drops duplicates and starts the CPU
// work for the rest.
func (s *Session) ingest() {
	defer close(s.ingested)
	defer close(s.pending)
	for {
		var u Upload
		select {
		case <-s.ctx.Done():
			return
		case u = <-s.queue:
		}
		s.metrics.QueuedUploads.Add(s.ctx, -1)

		if s.dedup.Seen(u.dedupKey()) {
			s.log.Debug("dropping duplicate upload", "bytes", len(u.Payload))
			s.metrics.RecordUpload(s.ctx, observe.UploadDuplicate)
			continue
		}

		j := &job{upload: u, done: make(chan struct{})}
		go s.prepare(j)
		select {
		case s.pending <- j:
		case <-s.ctx.Done():
			return
		}
	}
}

// prepare decodes, splits and classifies one upload on the CPU pool.
func (s *Session) prepare(j *job) {
	defer close(j.done)
	err := s.cpu.Do(s.ctx, func(ctx context.Context) {
		start := time.Now()
		w, err := s.decoder.Decode(ctx, j.upload.Payload, j.upload.ContentType)
		observe.Since(ctx, s.metrics.DecodeDuration, start)
		if err != nil {
			j.err = err
			return
		}
		if w.Format != s.format {
			j.err = fmt.Errorf("%w: decoded %s, want %s", audio.ErrUndecodable, w.Format, s.format)
			return
		}
		if j.pieces, j.err = Split(w, s.window, s.trailing); j.err != nil {
			return
		}
		j.verdicts = make([]verdict, len(j.pieces))
		for i, p := range j.pieces {
			start := time.Now()
			silent, err := s.classifier.IsSilent(ctx, p.PCM, w.Format)
			observe.Since(ctx, s.metrics.ClassifyDuration, start)
			j.verdicts[i] = verdict{silent: silent, err: err}
		}
	})
	if err != nil {
		j.err = err
	}
}

// apply drives the turn machine with prepared uploads in arrival order.
func (s *Session) apply() {
	defer close(s.applied)
	for j := range s.pending {
		select {
		case <-j.done:
		case <-s.ctx.Done():
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if j.err != nil {
			status := observe.UploadDropped
			if errors.Is(j.err, audio.ErrUndecodable) {
				status = observe.UploadUndecodable
			}
			s.log.Warn("dropping upload", "status", status, "bytes", len(j.upload.Payload), "err", j.err)
			s.metrics.RecordUpload(s.ctx, status)
			continue
		}
		s.metrics.RecordUpload(s.ctx, observe.UploadAccepted)

		s.mu.Lock()
		chunks := s.chunker.Number(j.pieces)
		s.mu.Unlock()
		for i := range chunks {
			if s.step(&chunks[i], j.verdicts[i]) {
				return
			}
		}
	}
}

// step applies one chunk and reports whether the session ended.
func (s *Session) step(c *Chunk, v verdict) bool {
	defer func() {
		s.mu.Lock()
		s.processed = c.Seq
		s.mu.Unlock()
	}()
	if v.err != nil {
		// Counts as a chunk that never happened.
		s.log.Warn("discarding unclassifiable chunk", "seq", c.Seq, "err", v.err)
		s.metrics.RecordChunk(s.ctx, observe.ChunkFailed)
		return false
	}
	c.classify(v.silent)
	if c.Silent {
		s.metrics.RecordChunk(s.ctx, observe.ChunkSilence)
	} else {
		s.metrics.RecordChunk(s.ctx, observe.ChunkSpeech)
	}

	s.mu.Lock()
	d, err := s.machine.Observe(*c)
	silence := s.machine.SilenceRun()
	s.mu.Unlock()
	if err != nil {
		s.log.Error("turn machine rejected chunk", "seq", c.Seq, "err", err)
		return false
	}
	s.log.Debug("chunk classified", "seq", c.Seq, "silent", c.Silent, "duration_ms", c.DurationMs(), "silence_run", silence)

	if len(d.Flush) > 0 {
		run := d.Flush
		s.log.Info("flushing speech run", "chunks", len(run), "first_seq", run[0].Seq, "last_seq", run[len(run)-1].Seq)
		s.launch("flush", func(ctx context.Context) (*memory.Turn, error) {
			return s.dispatcher.Flush(ctx, s.id, run)
		})
	}
	for _, t := range d.Triggers {
		s.log.Info("silence threshold reached", "action", t.Action, "silence_run", t.Count,
			"silence_seconds", seconds(time.Duration(t.Count)*s.window))
		if t.Action == ActionEndSession {
			s.metrics.RecordAction(s.ctx, string(t.Action), "ok")
			continue
		}
		s.launch(string(t.Action), func(ctx context.Context) (*memory.Turn, error) {
			return s.dispatcher.Act(ctx, s.id, t)
		})
	}
	if d.Ended {
		s.End(EndSilence)
		return true
	}
	return false
}

// launch runs fn on the action pool after every previously launched action
// of this session has finished. Only the apply goroutine calls it.
func (s *Session) launch(action string, fn func(context.Context) (*memory.Turn, error)) {
	prev := s.lastAction
	done := make(chan struct{})
	s.lastAction = done

	s.actionsWG.Add(1)
	s.inflight.Add(1)
	s.metrics.InFlightActions.Add(s.base, 1)
	go func() {
		defer func() {
			close(done)
			s.inflight.Add(-1)
			s.metrics.InFlightActions.Add(s.base, -1)
			s.actionsWG.Done()
		}()
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(s.base, s.actionTimeout)
		defer cancel()

		var (
			turn *memory.Turn
			err  error
		)
		if poolErr := s.actions.Do(ctx, func(ctx context.Context) {
			turn, err = fn(ctx)
		}); poolErr != nil {
			err = poolErr
		}

		switch {
		case err == nil && turn == nil:
			s.metrics.RecordAction(ctx, action, "noop")
		case errors.Is(err, ErrNoTranscript):
			s.log.Info("action abandoned, nothing was said", "action", action)
			s.metrics.RecordAction(ctx, action, "empty")
		case err != nil:
			s.log.Warn("action failed", "action", action, "err", err)
			s.metrics.RecordAction(ctx, action, "error")
		default:
			s.log.Info("turn created", "action", action, "turn_id", turn.ID, "chunks", turn.ChunkRange(), "mood", turn.Mood)
			s.metrics.RecordAction(ctx, action, "ok")
		}
	}()
}
