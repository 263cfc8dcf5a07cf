package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":  {"openai", "whisper", "whisper-native"},
	"vad":  {"energy"},
	"mood": {"static", "http"},
}

// DefaultThresholds returns the default silence threshold table.
func DefaultThresholds() []ThresholdConfig {
	return []ThresholdConfig{
		{Count: 1, Action: ActionCheckIn},
		{Count: 6, Action: ActionConversationStarter},
		{Count: 12, Action: ActionPresenceCheck},
		{Count: 20, Action: ActionEndSession},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	if cfg.Audio.Window == 0 {
		cfg.Audio.Window = 5 * time.Second
	}
	if cfg.Audio.Trailing == "" {
		cfg.Audio.Trailing = TrailingEmit
	}
	if cfg.Audio.OpusBatch == 0 {
		cfg.Audio.OpusBatch = time.Second
	}

	if cfg.Silence.MinSilence == 0 {
		cfg.Silence.MinSilence = 4999 * time.Millisecond
	}
	if cfg.Silence.ThresholdDBFS == 0 {
		cfg.Silence.ThresholdDBFS = -40
	}
	if cfg.Silence.SeekStep == 0 {
		cfg.Silence.SeekStep = time.Millisecond
	}

	if len(cfg.Turns.Thresholds) == 0 {
		cfg.Turns.Thresholds = DefaultThresholds()
	}

	if cfg.Session.QueueDepth == 0 {
		cfg.Session.QueueDepth = 8
	}
	if cfg.Session.QueuePolicy == "" {
		cfg.Session.QueuePolicy = QueueReject
	}
	if cfg.Session.Workers == 0 {
		cfg.Session.Workers = runtime.NumCPU()
	}
	if cfg.Session.ActionWorkers == 0 {
		cfg.Session.ActionWorkers = 16
	}

	if cfg.Response.MaxTokens == 0 {
		cfg.Response.MaxTokens = 150
	}
	if cfg.Response.HistoryTurns == 0 {
		cfg.Response.HistoryTurns = 10
	}

	if cfg.Resilience.Retry.Attempts == 0 {
		cfg.Resilience.Retry.Attempts = 3
	}
	if cfg.Resilience.Retry.BaseDelay == 0 {
		cfg.Resilience.Retry.BaseDelay = 250 * time.Millisecond
	}
	if cfg.Resilience.Retry.MaxDelay == 0 {
		cfg.Resilience.Retry.MaxDelay = 2 * time.Second
	}
	if cfg.Resilience.Breaker.MaxFailures == 0 {
		cfg.Resilience.Breaker.MaxFailures = 5
	}
	if cfg.Resilience.Breaker.ResetTimeout == 0 {
		cfg.Resilience.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Resilience.Breaker.HalfOpenMax == 0 {
		cfg.Resilience.Breaker.HalfOpenMax = 1
	}
	if cfg.Resilience.ActionTimeout == 0 {
		cfg.Resilience.ActionTimeout = 60 * time.Second
	}

	if cfg.Memory.InMemoryTurns == 0 {
		cfg.Memory.InMemoryTurns = 200
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "cadence"
	}
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative, got %d", cfg.Server.MaxUploadBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, e := range cfg.Providers.Mood {
		validateProviderName("mood", e.Name)
	}
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	for i, e := range cfg.Providers.Mood {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.mood[%d].name is required", i))
		}
	}

	// Provider availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; speech will never be transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; no responses will be generated")
	}

	// Audio
	if cfg.Audio.Window <= 0 {
		errs = append(errs, fmt.Errorf("audio.window must be positive, got %s", cfg.Audio.Window))
	}
	if !cfg.Audio.Trailing.IsValid() {
		errs = append(errs, fmt.Errorf("audio.trailing %q is invalid; valid values: emit, pad", cfg.Audio.Trailing))
	}
	if cfg.Audio.OpusBatch <= 0 {
		errs = append(errs, fmt.Errorf("audio.opus_batch must be positive, got %s", cfg.Audio.OpusBatch))
	}

	// Silence
	if cfg.Silence.MinSilence <= 0 {
		errs = append(errs, fmt.Errorf("silence.min_silence must be positive, got %s", cfg.Silence.MinSilence))
	}
	if cfg.Silence.ThresholdDBFS > 0 {
		errs = append(errs, fmt.Errorf("silence.threshold_dbfs must be <= 0, got %g", cfg.Silence.ThresholdDBFS))
	}
	if cfg.Silence.SeekStep <= 0 {
		errs = append(errs, fmt.Errorf("silence.seek_step must be positive, got %s", cfg.Silence.SeekStep))
	}
	if cfg.Silence.MinSilence > cfg.Audio.Window {
		slog.Warn("silence.min_silence exceeds audio.window; only chunks that are quiet end to end will be silent",
			"min_silence", cfg.Silence.MinSilence,
			"window", cfg.Audio.Window,
		)
	}

	// Turns
	seen := make(map[int]int, len(cfg.Turns.Thresholds))
	for i, th := range cfg.Turns.Thresholds {
		prefix := fmt.Sprintf("turns.thresholds[%d]", i)
		if th.Count < 1 {
			errs = append(errs, fmt.Errorf("%s.count must be >= 1, got %d", prefix, th.Count))
		}
		if !th.Action.IsValid() {
			errs = append(errs, fmt.Errorf("%s.action %q is invalid; valid values: check_in, conversation_starter, presence_check, end_session", prefix, th.Action))
		}
		if prev, ok := seen[th.Count]; ok {
			errs = append(errs, fmt.Errorf("%s.count %d duplicates turns.thresholds[%d]; each silence count maps to one action", prefix, th.Count, prev))
			continue
		}
		seen[th.Count] = i
	}
	if !slices.ContainsFunc(cfg.Turns.Thresholds, func(th ThresholdConfig) bool { return th.Action == ActionEndSession }) {
		slog.Warn("turns.thresholds has no end_session action; sessions only end through the idle reaper or an explicit end")
	}

	// Session
	if cfg.Session.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("session.queue_depth must be >= 1, got %d", cfg.Session.QueueDepth))
	}
	if !cfg.Session.QueuePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.queue_policy %q is invalid; valid values: reject, block", cfg.Session.QueuePolicy))
	}
	if cfg.Session.Workers < 1 {
		errs = append(errs, fmt.Errorf("session.workers must be >= 1, got %d", cfg.Session.Workers))
	}
	if cfg.Session.ActionWorkers < 1 {
		errs = append(errs, fmt.Errorf("session.action_workers must be >= 1, got %d", cfg.Session.ActionWorkers))
	}
	if cfg.Session.DedupCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.dedup_capacity must not be negative, got %d", cfg.Session.DedupCapacity))
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions must not be negative, got %d", cfg.Session.MaxSessions))
	}
	if d := cfg.Session.IdleAfter(); d < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must not be negative, got %s", d))
	}
	if d := cfg.Session.RetainEndedFor(); d < 0 {
		errs = append(errs, fmt.Errorf("session.ended_retention must not be negative, got %s", d))
	}

	// Response
	if cfg.Response.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("response.max_tokens must not be negative, got %d", cfg.Response.MaxTokens))
	}
	if cfg.Response.Temperature < 0 || cfg.Response.Temperature > 2 {
		errs = append(errs, fmt.Errorf("response.temperature %.2f is out of range [0, 2]", cfg.Response.Temperature))
	}

	// Resilience
	if cfg.Resilience.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("resilience.retry.attempts must be >= 1, got %d", cfg.Resilience.Retry.Attempts))
	}
	if cfg.Resilience.Retry.BaseDelay < 0 || cfg.Resilience.Retry.MaxDelay < cfg.Resilience.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("resilience.retry delays are inconsistent: base %s, max %s", cfg.Resilience.Retry.BaseDelay, cfg.Resilience.Retry.MaxDelay))
	}
	if cfg.Resilience.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resilience.action_timeout must be positive, got %s", cfg.Resilience.ActionTimeout))
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	// Memory
	if cfg.Memory.UserMood && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.user_mood requires memory.postgres_dsn"))
	}
	if cfg.Memory.PostgresMaxConns < 0 {
		errs = append(errs, fmt.Errorf("memory.postgres_max_conns must not be negative, got %d", cfg.Memory.PostgresMaxConns))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; turns are kept in process memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
