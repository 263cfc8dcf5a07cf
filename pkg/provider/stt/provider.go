// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A Transcriber turns one complete utterance, delivered as a RIFF/WAVE file
// of 16-bit PCM, into text. Turn taking decides where an utterance starts and
// ends before audio ever reaches this package, so every backend here is a
// plain batch call: upload the file, wait, read back the text.
//
// An empty transcript with a nil error means the backend recognised no
// speech. Callers treat both that and an error as "nothing was said".
//
// Implementations must be safe for concurrent use. One Transcriber is shared
// by every session.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is given no audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe returns the text spoken in wav, a RIFF/WAVE file of 16-bit
	// PCM. Returns an error if the backend is unreachable, rejects the
	// request, or ctx is cancelled.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Func adapts an ordinary function to the [Transcriber] interface.
type Func func(ctx context.Context, wav []byte) (string, error)

// Transcribe calls f(ctx, wav).
func (f Func) Transcribe(ctx context.Context, wav []byte) (string, error) { return f(ctx, wav) }
