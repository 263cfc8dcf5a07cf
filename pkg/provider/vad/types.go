package vad

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyChunk is returned for a chunk with no complete sample.
	ErrEmptyChunk = errors.New("vad: empty chunk")

	// ErrTornChunk is returned when the payload length is not a whole number
	// of frames.
	ErrTornChunk = errors.New("vad: chunk length is not frame aligned")

	// ErrUnsupportedFormat is returned for formats the classifier cannot scan.
	ErrUnsupportedFormat = errors.New("vad: unsupported format")
)

// Config holds the loudness-window parameters shared by silence classifiers.
type Config struct {
	// MinSilence is the shortest contiguous quiet region that makes a chunk
	// silent. Chunks shorter than MinSilence must be quiet end to end.
	MinSilence time.Duration

	// ThresholdDBFS is the loudness at or below which a window is quiet.
	// Negative; -40 is a good starting point for speech.
	ThresholdDBFS float64

	// SeekStep is how far the scanning window advances each step.
	SeekStep time.Duration
}

// DefaultConfig returns the canonical parameters: a 4999 ms window at
// -40 dBFS scanned in 1 ms steps.
func DefaultConfig() Config {
	return Config{
		MinSilence:    4999 * time.Millisecond,
		ThresholdDBFS: -40,
		SeekStep:      time.Millisecond,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MinSilence <= 0 {
		errs = append(errs, fmt.Errorf("vad: min silence must be positive, got %s", c.MinSilence))
	}
	if c.ThresholdDBFS > 0 {
		errs = append(errs, fmt.Errorf("vad: threshold must be at most 0 dBFS, got %g", c.ThresholdDBFS))
	}
	if c.SeekStep <= 0 {
		errs = append(errs, fmt.Errorf("vad: seek step must be positive, got %s", c.SeekStep))
	}
	return errors.Join(errs...)
}

// Region is a span of quiet audio, as offsets from the start of the chunk.
type Region struct {
	Start time.Duration
	End   time.Duration
}

// Duration returns the length of the region.
func (r Region) Duration() time.Duration { return r.End - r.Start }
