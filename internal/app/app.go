// Package app wires all cadence subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and reaps idle sessions, and Shutdown ends every
// session gracefully before tearing the rest down in order.
//
// For testing, inject doubles via functional options (WithTurnStore,
// WithDecoder, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/internal/ingress"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/memory/postgres"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/mood"
	"github.com/MrWong99/cadence/pkg/provider/mood/static"
	"github.com/MrWong99/cadence/pkg/provider/stt"
	"github.com/MrWong99/cadence/pkg/provider/vad"
)

// Providers holds the collaborators built from the config registry by
// main.go. LLM and STT list the primary first, then the fallbacks in order.
type Providers struct {
	LLM  []resilience.Backend[llm.Provider]
	STT  []resilience.Backend[stt.Transcriber]
	VAD  vad.Classifier
	Mood []mood.Provider
}

// App owns all subsystem lifetimes of the cadence service.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	store       memory.TurnStore
	pg          *postgres.Store
	guard       *session.TurnGuard
	loginMoods  *static.Provider
	decoder     session.Decoder
	sttGroup    *resilience.STTFallback
	llmGroup    *resilience.LLMFallback
	orch        *session.Orchestrator
	dispatcher  *session.Dispatcher
	manager     *SessionManager
	handler     http.Handler
	server      *http.Server
	cancelWork  context.CancelFunc
	listenReady chan struct{}
	addr        net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnStore injects a turn store instead of creating one from config.
func WithTurnStore(s memory.TurnStore) Option {
	return func(a *App) { a.store = s }
}

// WithDecoder injects an upload decoder instead of the built-in chain.
func WithDecoder(d session.Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithMetrics injects the metric instruments and, optionally, the handler
// served on /metrics.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithLogLevel hands New the level variable of the installed logger so that
// config reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). cfg must already
// have defaults applied and be valid.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || len(providers.LLM) == 0 || len(providers.STT) == 0 {
		return nil, errors.New("app: an LLM and an STT provider are required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a silence classifier is required")
	}

	a := &App{
		cfg:         cfg,
		providers:   providers,
		listenReady: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init turn store: %w", err)
	}
	a.initDecoder()
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.initHTTP()
	return a, nil
}

// initStore opens PostgreSQL when a DSN is configured and falls back to the
// in-process store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn, postgres.WithMaxConns(a.cfg.Memory.PostgresMaxConns))
			if err != nil {
				return err
			}
			a.pg = pg
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
			slog.Info("turn store ready", "backend", "postgres")
		} else {
			a.store = memory.NewMemStore(a.cfg.Memory.InMemoryTurns)
			slog.Info("turn store ready", "backend", "memory", "turns_per_session", a.cfg.Memory.InMemoryTurns)
		}
	}
	a.guard = session.NewTurnGuard(a.store, a.retryPolicy())
	return nil
}

func (a *App) initDecoder() {
	if a.decoder != nil {
		return
	}
	decoders := []audio.Decoder{audio.WAVDecoder{}, audio.MP3Decoder{}, audio.RawDecoder{}}
	if !a.cfg.Audio.DisableFFmpeg {
		ff, err := audio.LookFFmpeg(a.cfg.Audio.FFmpegPath)
		if err != nil {
			slog.Warn("ffmpeg decoder disabled", "err", err)
		} else {
			decoders = append(decoders, ff)
		}
	}
	names := make([]string, len(decoders))
	for i, d := range decoders {
		names[i] = d.Name()
	}
	slog.Info("audio decoders", "decoders", strings.Join(names, ","))
	a.decoder = audio.NewChain(audio.Canonical, decoders...)
}

// initProviders wraps the configured transcribers and generators in
// fallback groups with one circuit breaker per provider.
func (a *App) initProviders() error {
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:   a.cfg.Resilience.Breaker.MaxFailures,
		ResetTimeout:  a.cfg.Resilience.Breaker.ResetTimeout,
		HalfOpenMax:   a.cfg.Resilience.Breaker.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerChange(context.Background(), name, to.String())
		},
	}
	failures := func(kind string) func(context.Context, string, error) {
		return func(ctx context.Context, backend string, _ error) {
			a.metrics.RecordProviderError(ctx, backend, kind)
		}
	}

	var err error
	a.sttGroup, err = resilience.NewSTTFallback(
		resilience.FallbackConfig{CircuitBreaker: breaker, OnFailure: failures("stt")},
		a.providers.STT...)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	a.llmGroup, err = resilience.NewLLMFallback(
		resilience.FallbackConfig{CircuitBreaker: breaker, OnFailure: failures("llm")},
		a.providers.LLM...)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	slog.Info("providers ready",
		"stt", strings.Join(a.sttGroup.Names(), ","),
		"llm", strings.Join(a.llmGroup.Names(), ","),
	)
	return nil
}

// initPipeline builds the shared orchestrator, dispatcher, pools and the
// session manager.
func (a *App) initPipeline() error {
	a.loginMoods = static.New("")
	moods := mood.Chain{a.loginMoods}
	if a.pg != nil && a.cfg.Memory.UserMood {
		moods = append(moods, a.pg.Moods())
	}
	moods = append(moods, a.providers.Mood...)

	retry := a.retryPolicy()
	orch, err := session.NewOrchestrator(session.OrchestratorConfig{
		LLM:         a.llmGroup,
		LLMName:     a.providers.LLM[0].Name,
		Mood:        moods,
		Store:       a.guard,
		History:     session.NewHistory(a.guard, a.cfg.Response.HistoryTurns, 0),
		Prompts:     promptsFromConfig(a.cfg.Response),
		MaxTokens:   a.cfg.Response.MaxTokens,
		Temperature: a.cfg.Response.Temperature,
		Retry:       retry,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch

	dispatcher, err := session.NewDispatcher(session.DispatcherConfig{
		STT:          a.sttGroup,
		STTName:      a.providers.STT[0].Name,
		Orchestrator: orch,
		Format:       audio.Canonical,
		Window:       a.cfg.Audio.Window,
		Retry:        retry,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher

	// Actions get their own root so that ending sessions drains them; only
	// an expired shutdown budget cancels them.
	workCtx, cancel := context.WithCancel(context.Background())
	a.cancelWork = cancel

	mcfg := SessionManagerConfig{
		Session: sessionConfig(a.cfg),
		Deps: session.Deps{
			Decoder:     a.decoder,
			Classifier:  a.providers.VAD,
			Dispatcher:  dispatcher,
			CPU:         session.NewPool("cpu", a.cfg.Session.Workers),
			Actions:     session.NewPool("actions", a.cfg.Session.ActionWorkers),
			BaseContext: workCtx,
		},
		Store:          a.store,
		Moods:          a.loginMoods,
		AutoCreate:     a.cfg.Session.AutoCreateEnabled(),
		MaxSessions:    a.cfg.Session.MaxSessions,
		IdleTimeout:    a.cfg.Session.IdleAfter(),
		EndedRetention: a.cfg.Session.RetainEndedFor(),
		Metrics:        a.metrics,
	}
	if a.pg != nil {
		mcfg.Logins = a.pg.Moods()
	}
	a.manager = NewSessionManager(mcfg)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	ingress.New(a.manager, ingress.Config{
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		OpusBatch:      a.cfg.Audio.OpusBatch,
		Metrics:        a.metrics,
	}).Register(mux)
	health.New(a.healthCheckers()...).Register(mux)
	if a.metricsHandler != nil && !a.cfg.Observe.DisableMetrics {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthCheckers reports providers as critical and the turn store as
// optional: the pipeline keeps answering while turns cannot be persisted.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "providers",
			Check: func(context.Context) error {
				if a.sttGroup.AllOpen() {
					return errors.New("every transcriber circuit is open")
				}
				if a.llmGroup.AllOpen() {
					return errors.New("every response generator circuit is open")
				}
				return nil
			},
		},
		{
			Name:     "turn_store",
			Optional: true,
			Timeout:  2 * time.Second,
			Check: func(ctx context.Context) error {
				if a.pg != nil {
					if err := a.pg.Ping(ctx); err != nil {
						return err
					}
				}
				if a.guard.IsDegraded() {
					return errors.New("last turn append failed")
				}
				return nil
			},
		},
		{
			Name: "sessions",
			Check: func(context.Context) error {
				if !a.manager.Accepting() {
					return session.ErrShuttingDown
				}
				return nil
			},
		},
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Addr blocks until Run is listening and returns the bound address, or nil
// if ctx ends first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.listenReady:
		return a.addr
	case <-ctx.Done():
		return nil
	}
}

// Run serves HTTP and reaps idle sessions until ctx is cancelled. When ctx
// is done the listener stops accepting and in-flight requests get
// server.shutdown_timeout to finish; sessions are ended by [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr()
	close(a.listenReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		return a.manager.RunReaper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("cadence listening", "addr", a.addr.String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// Reload applies the hot-reloadable parts of a changed config: the log level
// and the response prompts. Everything else is logged as needing a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsZero() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ResponseChanged {
		a.orch.SetPrompts(promptsFromConfig(new.Response))
		slog.Info("response prompts reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

// Shutdown ends every session gracefully, waits for their in-flight actions,
// then runs the closers. It respects the context deadline: when ctx expires
// first, running actions are cancelled and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Count(), "closers", len(a.closers))

		// Stop new HTTP traffic in case Run was never started or already
		// returned without it.
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http server shutdown", "err", err)
		}

		if err := a.manager.Shutdown(ctx); err != nil {
			slog.Warn("sessions did not drain in time, cancelling actions", "err", err)
			shutdownErr = err
		}
		a.cancelWork()

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config conversion ───────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level. Unknown levels map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		QueueDepth:    cfg.Session.QueueDepth,
		Window:        cfg.Audio.Window,
		Format:        audio.Canonical,
		DedupCapacity: cfg.Session.DedupCapacity,
		ActionTimeout: cfg.Resilience.ActionTimeout,
	}
	if cfg.Session.QueuePolicy == config.QueueBlock {
		sc.QueuePolicy = session.QueueBlock
	}
	if cfg.Audio.Trailing == config.TrailingPad {
		sc.Trailing = session.TrailingPad
	}
	for _, t := range cfg.Turns.Thresholds {
		sc.Thresholds = append(sc.Thresholds, session.Threshold{Count: t.Count, Action: session.Action(t.Action)})
	}
	return sc
}

func promptsFromConfig(rc config.ResponseConfig) session.Prompts {
	return session.Prompts{
		System:              rc.SystemPrompt,
		Speech:              rc.Prompts.Speech,
		CheckIn:             rc.Prompts.CheckIn,
		ConversationStarter: rc.Prompts.ConversationStarter,
		PresenceCheck:       rc.Prompts.PresenceCheck,
	}
}

func (a *App) retryPolicy() resilience.RetryPolicy {
	r := a.cfg.Resilience.Retry
	return resilience.RetryPolicy{Attempts: r.Attempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}
