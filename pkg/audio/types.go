// Package audio holds the waveform types, decoders, and PCM helpers used to
// turn uploaded audio blobs into the canonical format the turn pipeline
// operates on.
//
// Every waveform leaving this package is little-endian signed 16-bit PCM.
// [Canonical] (16 kHz mono) is the format chunking and silence detection
// assume; [Normalize] converts any decoded waveform to it.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the format all chunking and classification happens in.
var Canonical = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f describes a usable PCM layout.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameBytes returns the size of one interleaved frame (one sample per channel).
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// BytesForDuration returns the number of PCM bytes covering d, rounded down
// to a whole frame.
func (f Format) BytesForDuration(d time.Duration) int {
	frames := int64(f.SampleRate) * d.Milliseconds() / 1000
	return int(frames) * f.FrameBytes()
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := int64(n / f.FrameBytes())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Waveform is a decoded block of interleaved 16-bit PCM.
type Waveform struct {
	PCM    []byte
	Format Format
}

// Duration returns the playback length of the waveform.
func (w Waveform) Duration() time.Duration {
	return w.Format.Duration(len(w.PCM))
}

// Empty reports whether the waveform carries no complete frame.
func (w Waveform) Empty() bool {
	return !w.Format.Valid() || len(w.PCM) < w.Format.FrameBytes()
}
