// Package vad defines the Classifier interface for silence classification
// backends.
//
// A Classifier inspects one fixed-length chunk of PCM at a time and decides
// whether the chunk counts as silence for turn-taking purposes. Unlike a
// frame-level voice activity detector it carries no state between calls:
// every chunk is judged on its own, so one Classifier can serve any number of
// sessions concurrently and the caller owns all sequencing.
//
// Implementations must be safe for concurrent use.
package vad

import (
	"context"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Classifier decides whether a chunk of audio is silent.
type Classifier interface {
	// IsSilent reports whether pcm, little-endian 16-bit samples in format f,
	// contains a silent region long enough to count as silence.
	//
	// An error means the chunk could not be classified at all (empty or torn
	// payload, unsupported format, cancelled context). Callers must treat that
	// as "the chunk did not happen" rather than as speech or silence.
	IsSilent(ctx context.Context, pcm []byte, f audio.Format) (bool, error)
}
