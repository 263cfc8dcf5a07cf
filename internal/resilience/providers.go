package resilience

import (
	"context"

	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/stt"
)

// LLMFallback is an [llm.Provider] that fails over across a
// [FallbackGroup] of generators.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback builds an [LLMFallback]; the first backend is preferred.
func NewLLMFallback(cfg FallbackConfig, backends ...Backend[llm.Provider]) (*LLMFallback, error) {
	g, err := NewFallbackGroup(cfg, backends...)
	if err != nil {
		return nil, err
	}
	return &LLMFallback{g}, nil
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.FallbackGroup, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTFallback is an [stt.Transcriber] that fails over across a
// [FallbackGroup] of transcribers. Every backend receives the same WAV.
type STTFallback struct {
	*FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback builds an [STTFallback]; the first backend is preferred.
func NewSTTFallback(cfg FallbackConfig, backends ...Backend[stt.Transcriber]) (*STTFallback, error) {
	g, err := NewFallbackGroup(cfg, backends...)
	if err != nil {
		return nil, err
	}
	return &STTFallback{g}, nil
}

// Transcribe implements [stt.Transcriber].
func (f *STTFallback) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return Call(ctx, f.FallbackGroup, func(ctx context.Context, t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, wav)
	})
}
