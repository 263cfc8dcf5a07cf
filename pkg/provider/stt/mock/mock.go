// Package mock provides a test double for [stt.Transcriber].
//
// Set Text and Err for a fixed response, or script a sequence of failures in
// Errs to exercise retry paths: each call pops one entry from Errs until it
// is empty, after which Text/Err apply.
//
// Example:
//
//	tr := &mock.Transcriber{Text: "hello", Errs: []error{errTransient}}
//	text, err := tr.Transcribe(ctx, wav) // fails once, then "hello"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// WAV is a copy of the payload passed to Transcribe.
	WAV []byte
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned on success.
	Text string

	// Err, if non-nil, is returned once Errs is exhausted.
	Err error

	// Errs are returned in order, one per call, before Text/Err apply.
	Errs []error

	// Func, if set, takes precedence over every other field.
	Func func(ctx context.Context, wav []byte) (string, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	t.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	t.Calls = append(t.Calls, TranscribeCall{WAV: cp})
	fn := t.Func
	var scripted error
	if len(t.Errs) > 0 {
		scripted = t.Errs[0]
		t.Errs = t.Errs[1:]
	}
	text, err := t.Text, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, wav)
	}
	if scripted != nil {
		return "", scripted
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// LastWAV returns the payload of the most recent call, or nil. Thread-safe.
func (t *Transcriber) LastWAV() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Calls) == 0 {
		return nil
	}
	return t.Calls[len(t.Calls)-1].WAV
}
