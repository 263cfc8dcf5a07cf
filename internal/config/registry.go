package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/mood"
	"github.com/MrWong99/cadence/pkg/provider/stt"
	"github.com/MrWong99/cadence/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// VADFactory builds a silence classifier. It receives the silence section of
// the config alongside the provider entry.
type VADFactory func(ProviderEntry, vad.Config) (vad.Classifier, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	llm  map[string]func(ProviderEntry) (llm.Provider, error)
	stt  map[string]func(ProviderEntry) (stt.Transcriber, error)
	mood map[string]func(ProviderEntry) (mood.Provider, error)
	vad  map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:  make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:  make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		mood: make(map[string]func(ProviderEntry) (mood.Provider, error)),
		vad:  make(map[string]VADFactory),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a transcriber factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterMood registers a mood source factory under name.
func (r *Registry) RegisterMood(name string, factory func(ProviderEntry) (mood.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mood[name] = factory
}

// RegisterVAD registers a silence classifier factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates a transcriber using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMood instantiates a mood source using the factory registered under entry.Name.
func (r *Registry) CreateMood(entry ProviderEntry) (mood.Provider, error) {
	r.mu.RLock()
	factory, ok := r.mood[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: mood/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a silence classifier using the factory registered
// under entry.Name, parameterised by silence.
func (r *Registry) CreateVAD(entry ProviderEntry, silence SilenceConfig) (vad.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, vad.Config{
		MinSilence:    silence.MinSilence,
		ThresholdDBFS: silence.ThresholdDBFS,
		SeekStep:      silence.SeekStep,
	})
}

// OptionString returns entry.Options[key] as a string, or def when the key is
// missing or not a string.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// OptionFloat returns entry.Options[key] as a float64, or def when the key is
// missing or not numeric. YAML integers are accepted.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// OptionInt returns entry.Options[key] as an int, or def when the key is
// missing or not a whole number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return def
}

// OptionBool returns entry.Options[key] as a bool, or def.
func (e ProviderEntry) OptionBool(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}

// OptionDuration returns entry.Options[key] parsed with [time.ParseDuration],
// or def when the key is missing or malformed.
func (e ProviderEntry) OptionDuration(key string, def time.Duration) time.Duration {
	s, ok := e.Options[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
