package whisper

// Building needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/provider/stt"
)

var _ stt.Transcriber = (*Native)(nil)

// NativeConfig configures a [Native] transcriber.
type NativeConfig struct {
	// ModelPath is the ggml model file. Required.
	ModelPath string

	// Language is the spoken language code. Default "en".
	Language string

	// Threads caps inference threads per call. Zero keeps the library
	// default.
	Threads uint

	// Translate asks whisper to translate into English.
	Translate bool
}

// Native is an [stt.Transcriber] running whisper.cpp in-process. The model
// is loaded once and shared; every call gets its own inference context.
type Native struct {
	model   whisperlib.Model
	cfg     NativeConfig
	decoder *audio.Chain
}

// NewNative loads the model. Call Close when done.
func NewNative(cfg NativeConfig) (*Native, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	return &Native{
		model: model,
		cfg:   cfg,
		// whisper.cpp only accepts 16 kHz mono.
		decoder: audio.NewChain(audio.Canonical, audio.WAVDecoder{}),
	}, nil
}

// Close releases the whisper model.
func (n *Native) Close() error {
	if n.model != nil {
		return n.model.Close()
	}
	return nil
}

// Transcribe implements stt.Transcriber. Inference is not interruptible once
// started; ctx is only checked before it begins.
func (n *Native) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", stt.ErrEmptyAudio
	}
	w, err := n.decoder.Decode(ctx, wav, "audio/wav")
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	// Contexts are not thread-safe, but the model can be shared.
	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(n.cfg.Language); err != nil {
		slog.Warn("whisper: unsupported language, using model default", "language", n.cfg.Language, "err", err)
	}
	if n.cfg.Threads > 0 {
		wctx.SetThreads(n.cfg.Threads)
	}
	wctx.SetTranslate(n.cfg.Translate)
	if err := wctx.Process(audio.Float32s(w.PCM), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
