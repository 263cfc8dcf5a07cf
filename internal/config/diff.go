package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ResponseChanged is true if the system prompt, prompt templates, token
	// budget, temperature or history length changed.
	ResponseChanged bool

	// RestartRequired lists top-level sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.ResponseChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Response != new.Response {
		d.ResponseChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Silence != new.Silence {
		d.RestartRequired = append(d.RestartRequired, "silence")
	}
	if !slices.Equal(old.Turns.Thresholds, new.Turns.Thresholds) {
		d.RestartRequired = append(d.RestartRequired, "turns")
	}
	if !sessionEqual(old.Session, new.Session) {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

func serverEqual(a, b ServerConfig) bool {
	tlsA, tlsB := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if tlsA == nil || tlsB == nil {
		return tlsA == tlsB
	}
	return *tlsA == *tlsB
}

func sessionEqual(a, b SessionConfig) bool {
	if a.AutoCreateEnabled() != b.AutoCreateEnabled() ||
		a.IdleAfter() != b.IdleAfter() ||
		a.RetainEndedFor() != b.RetainEndedFor() {
		return false
	}
	a.AutoCreate, b.AutoCreate = nil, nil
	a.IdleTimeout, b.IdleTimeout = nil, nil
	a.EndedRetention, b.EndedRetention = nil, nil
	return a == b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.STT, b.STT) &&
		entryEqual(a.VAD, b.VAD) &&
		slices.EqualFunc(a.Mood, b.Mood, entryEqual) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, entryEqual) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual)
}

// entryEqual compares two entries including their options.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
