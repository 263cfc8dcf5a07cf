package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/cadence/pkg/provider/stt"
	"github.com/MrWong99/cadence/pkg/provider/stt/whisper"
)

func TestNewNative_Rejects(t *testing.T) {
	for name, cfg := range map[string]whisper.NativeConfig{
		"empty path":   {},
		"missing file": {ModelPath: "/nonexistent/ggml-base.en.bin"},
	} {
		if _, err := whisper.NewNative(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// TestNative_Transcribe runs against a real model named by
// WHISPER_MODEL_PATH.
func TestNative_Transcribe(t *testing.T) {
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	n, err := whisper.NewNative(whisper.NativeConfig{ModelPath: path, Threads: 2})
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })

	ctx := context.Background()
	if _, err := n.Transcribe(ctx, nil); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("empty audio: err = %v, want ErrEmptyAudio", err)
	}
	if _, err := n.Transcribe(ctx, testWAV()); err != nil {
		t.Errorf("silence: %v", err)
	}
	if _, err := n.Transcribe(ctx, []byte("RIFF but not really")); err == nil {
		t.Error("expected error for a malformed WAV")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := n.Transcribe(cancelled, testWAV()); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err = %v, want context.Canceled", err)
	}
}
