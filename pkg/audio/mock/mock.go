// Package mock provides an in-memory mock implementation of [audio.Decoder]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and it exposes exported fields that
// the test can set to control return values.
//
// Typical usage:
//
//	dec := &mock.Decoder{}            // passes payloads through as canonical PCM
//	dec.Block = make(chan struct{})   // hold every Decode until closed
//	w, err := dec.Decode(ctx, raw, "audio/wav")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio"
)

// DecodeCall records a single invocation of [Decoder.Decode].
type DecodeCall struct {
	Bytes       int
	ContentType string
}

// Decoder is a mock implementation of [audio.Decoder]. By default it treats
// every payload as PCM in Format (canonical when unset).
type Decoder struct {
	mu sync.Mutex

	// NameResult is returned by Name. Default: "mock".
	NameResult string

	// Reject makes Accepts report false.
	Reject bool

	// Format is the format decoded payloads are reported in.
	Format audio.Format

	// Err, if non-nil, is returned by every Decode.
	Err error

	// Func, if set, decides every Decode and takes precedence over Err.
	Func func(raw []byte, contentType string) (audio.Waveform, error)

	// Block, if non-nil, holds every Decode until it is closed or the
	// context ends.
	Block chan struct{}

	// Calls records every Decode in order.
	Calls []DecodeCall
}

var _ audio.Decoder = (*Decoder)(nil)

// Name implements [audio.Decoder].
func (d *Decoder) Name() string {
	if d.NameResult == "" {
		return "mock"
	}
	return d.NameResult
}

// Accepts implements [audio.Decoder].
func (d *Decoder) Accepts(string, []byte) bool { return !d.Reject }

// Decode records the call and returns the scripted result.
func (d *Decoder) Decode(ctx context.Context, raw []byte, contentType string) (audio.Waveform, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, DecodeCall{Bytes: len(raw), ContentType: contentType})
	block, fn, err, f := d.Block, d.Func, d.Err, d.Format
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audio.Waveform{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(raw, contentType)
	}
	if err != nil {
		return audio.Waveform{}, err
	}
	if !f.Valid() {
		f = audio.Canonical
	}
	pcm := make([]byte, len(raw))
	copy(pcm, raw)
	return audio.Waveform{PCM: pcm, Format: f}, nil
}

// CallCount returns the number of Decode calls. Thread-safe.
func (d *Decoder) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}
