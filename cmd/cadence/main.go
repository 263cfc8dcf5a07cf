// Command cadence is the main entry point for the cadence turn-taking server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/cadence/internal/app"
	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/cadence/pkg/provider/llm/openai"
	"github.com/MrWong99/cadence/pkg/provider/mood"
	"github.com/MrWong99/cadence/pkg/provider/mood/httpmood"
	"github.com/MrWong99/cadence/pkg/provider/mood/static"
	"github.com/MrWong99/cadence/pkg/provider/stt"
	oastt "github.com/MrWong99/cadence/pkg/provider/stt/openai"
	"github.com/MrWong99/cadence/pkg/provider/stt/whisper"
	"github.com/MrWong99/cadence/pkg/provider/vad"
	"github.com/MrWong99/cadence/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables reloading)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("cadence starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closers, err := buildProviders(cfg, reg)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := telemetry.Metrics()
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics, telemetry.MetricsHandler()),
		app.WithLogLevel(logLevel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 {
		watcher, err := config.NewWatcher(*configPath, application.Reload, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go watcher.Run(ctx) //nolint:errcheck // returns ctx.Err() only
			go reloadOnHangup(ctx, watcher)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, ending sessions")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := w.Reload(); {
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: config unchanged")
			case err != nil:
				slog.Warn("SIGHUP: config reload failed", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK; every other backend goes through any-llm-go.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		p, err := oallm.New(oallm.Config{
			APIKey:       entry.APIKey,
			Model:        entry.Model,
			BaseURL:      entry.BaseURL,
			Organization: entry.OptionString("organization", ""),
			Timeout:      entry.OptionDuration("timeout", 0),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			p, err := anyllm.New(anyllm.Config{
				Backend: backend,
				Model:   entry.Model,
				APIKey:  entry.APIKey,
				BaseURL: entry.BaseURL,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := entry.OptionString("prompt", ""); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		p, err := oastt.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		p, err := whisper.New(whisper.Config{
			ServerURL:   entry.BaseURL,
			Model:       entry.Model,
			Language:    entry.OptionString("language", ""),
			Temperature: entry.OptionFloat("temperature", 0),
			Timeout:     entry.OptionDuration("timeout", 0),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		p, err := whisper.NewNative(whisper.NativeConfig{
			ModelPath: modelPath,
			Language:  entry.OptionString("language", ""),
			Threads:   uint(max(entry.OptionInt("threads", 0), 0)),
			Translate: entry.OptionBool("translate", false),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Silence classification ────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(_ config.ProviderEntry, cfg vad.Config) (vad.Classifier, error) {
		p, err := energy.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Mood ──────────────────────────────────────────────────────────────────
	reg.RegisterMood("http", func(entry config.ProviderEntry) (mood.Provider, error) {
		var opts []httpmood.Option
		if score := entry.OptionFloat("min_score", 0); score > 0 {
			opts = append(opts, httpmood.WithMinScore(score))
		}
		p, err := httpmood.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterMood("static", func(entry config.ProviderEntry) (mood.Provider, error) {
		return static.New(entry.OptionString("label", mood.Neutral)), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// The returned closers release providers holding native resources; they are
// returned even on error so that partially built providers are released.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{}
	var closers []io.Closer

	for _, entry := range append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallbacks...) {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = append(ps.LLM, resilience.Backend[llm.Provider]{Name: entry.Name, Value: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	for _, entry := range append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...) {
		t, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		if c, ok := t.(io.Closer); ok {
			closers = append(closers, c)
		}
		ps.STT = append(ps.STT, resilience.Backend[stt.Transcriber]{Name: entry.Name, Value: t})
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model)
	}

	v, err := reg.CreateVAD(cfg.Providers.VAD, cfg.Silence)
	if err != nil {
		return nil, closers, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = v
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name,
		"min_silence", cfg.Silence.MinSilence, "threshold_dbfs", cfg.Silence.ThresholdDBFS)

	for _, entry := range cfg.Providers.Mood {
		m, err := reg.CreateMood(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create mood provider %q: %w", entry.Name, err)
		}
		ps.Mood = append(ps.Mood, m)
		slog.Info("provider created", "kind", "mood", "name", entry.Name)
	}

	return ps, closers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         cadence startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", entryLabel(cfg.Providers.LLM))
	printRow("STT", entryLabel(cfg.Providers.STT))
	printRow("VAD", cfg.Providers.VAD.Name)
	printRow("Fallbacks", fmt.Sprintf("%d stt / %d llm", len(cfg.Providers.STTFallbacks), len(cfg.Providers.LLMFallbacks)))
	printRow("Mood sources", fmt.Sprintf("%d", len(cfg.Providers.Mood)))
	printRow("Window", fmt.Sprintf("%s (%s)", cfg.Audio.Window, cfg.Audio.Trailing))
	if cfg.Memory.PostgresDSN != "" {
		printRow("Turn store", "postgres")
	} else {
		printRow("Turn store", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
