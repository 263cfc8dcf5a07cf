package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/cadence/pkg/provider/llm"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	"github.com/MrWong99/cadence/pkg/provider/stt"
	sttmock "github.com/MrWong99/cadence/pkg/provider/stt/mock"
)

func TestLLMFallback(t *testing.T) {
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}

	t.Run("primary answers", func(t *testing.T) {
		primary := &llmmock.Provider{Reply: "primary"}
		secondary := &llmmock.Provider{Reply: "secondary"}
		fb, err := NewLLMFallback(FallbackConfig{},
			Backend[llm.Provider]{Name: "openai", Value: primary},
			Backend[llm.Provider]{Name: "ollama", Value: secondary},
		)
		if err != nil {
			t.Fatalf("NewLLMFallback: %v", err)
		}
		resp, err := fb.Complete(context.Background(), req)
		if err != nil || resp.Content != "primary" {
			t.Fatalf("Complete = %+v, %v", resp, err)
		}
		if secondary.CallCount() != 0 {
			t.Fatal("secondary called although the primary answered")
		}
	})

	t.Run("failover keeps the request", func(t *testing.T) {
		secondary := &llmmock.Provider{Reply: "secondary"}
		fb, err := NewLLMFallback(FallbackConfig{},
			Backend[llm.Provider]{Name: "openai", Value: &llmmock.Provider{Err: errTest}},
			Backend[llm.Provider]{Name: "ollama", Value: secondary},
		)
		if err != nil {
			t.Fatalf("NewLLMFallback: %v", err)
		}
		resp, err := fb.Complete(context.Background(), req)
		if err != nil || resp.Content != "secondary" {
			t.Fatalf("Complete = %+v, %v", resp, err)
		}
		got, ok := secondary.LastRequest()
		if !ok || len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
			t.Fatalf("secondary got request %+v", got)
		}
	})

	t.Run("no backends", func(t *testing.T) {
		if _, err := NewLLMFallback(FallbackConfig{}); !errors.Is(err, ErrNoBackends) {
			t.Fatalf("err = %v, want ErrNoBackends", err)
		}
	})
}

func TestSTTFallback(t *testing.T) {
	wav := []byte("RIFF....WAVE")

	t.Run("failover sends the same payload", func(t *testing.T) {
		secondary := &sttmock.Transcriber{Text: "from whisper"}
		fb, err := NewSTTFallback(FallbackConfig{},
			Backend[stt.Transcriber]{Name: "openai", Value: &sttmock.Transcriber{Err: errTest}},
			Backend[stt.Transcriber]{Name: "whisper", Value: secondary},
		)
		if err != nil {
			t.Fatalf("NewSTTFallback: %v", err)
		}
		got, err := fb.Transcribe(context.Background(), wav)
		if err != nil || got != "from whisper" {
			t.Fatalf("Transcribe = %q, %v", got, err)
		}
		if string(secondary.LastWAV()) != string(wav) {
			t.Fatal("fallback did not receive the same payload")
		}
	})

	t.Run("all fail", func(t *testing.T) {
		fb, err := NewSTTFallback(FallbackConfig{},
			Backend[stt.Transcriber]{Name: "openai", Value: &sttmock.Transcriber{Err: errTest}},
			Backend[stt.Transcriber]{Name: "whisper", Value: &sttmock.Transcriber{Err: errTest}},
		)
		if err != nil {
			t.Fatalf("NewSTTFallback: %v", err)
		}
		if _, err := fb.Transcribe(context.Background(), wav); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
		if fb.AllOpen() {
			t.Fatal("two failures tripped the default breaker")
		}
	})
}
