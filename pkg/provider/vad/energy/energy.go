// Package energy provides a loudness-based [vad.Classifier].
//
// A chunk is silent when some window of at least MinSilence has an RMS
// loudness at or below ThresholdDBFS. Windows are scanned in SeekStep
// increments over a prefix sum of squared samples, so each step costs O(1)
// regardless of window length.
package energy

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/provider/vad"
)

// Classifier is a stateless RMS window classifier for mono 16-bit PCM.
type Classifier struct {
	cfg       vad.Config
	threshold float64 // RMS amplitude matching cfg.ThresholdDBFS
}

var _ vad.Classifier = (*Classifier)(nil)

// New returns a Classifier for cfg.
func New(cfg vad.Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg, threshold: audio.AmplitudeForDBFS(cfg.ThresholdDBFS)}, nil
}

// IsSilent implements [vad.Classifier].
func (c *Classifier) IsSilent(ctx context.Context, pcm []byte, f audio.Format) (bool, error) {
	regions, err := c.DetectSilence(ctx, pcm, f)
	if err != nil {
		return false, err
	}
	if len(regions) > 0 {
		return true, nil
	}
	// Shorter than one window: the whole chunk has to be quiet.
	if f.Duration(len(pcm)) < c.cfg.MinSilence {
		return audio.RMS(pcm) <= c.threshold, nil
	}
	return false, nil
}

// DetectSilence returns every merged quiet region of at least MinSilence in
// pcm. Chunks shorter than MinSilence yield no regions.
func (c *Classifier) DetectSilence(ctx context.Context, pcm []byte, f audio.Format) ([]vad.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if f.Channels != 1 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %s (need mono)", vad.ErrUnsupportedFormat, f)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", vad.ErrTornChunk, len(pcm))
	}
	n := len(pcm) / audio.BytesPerSample
	if n == 0 {
		return nil, vad.ErrEmptyChunk
	}

	window := samplesFor(c.cfg.MinSilence, f.SampleRate)
	step := max(samplesFor(c.cfg.SeekStep, f.SampleRate), 1)
	if window < 1 || n < window {
		return nil, nil
	}

	prefix := make([]uint64, n+1)
	for i := range n {
		s := int64(audio.SampleAt(pcm, i))
		prefix[i+1] = prefix[i] + uint64(s*s)
	}

	// Compare mean energies rather than RMS to avoid a sqrt per step.
	limit := c.threshold * c.threshold * float64(window)

	var (
		regions []vad.Region
		open    bool
		start   int
		last    int
	)
	lastStart := n - window
	for i := 0; i <= lastStart; i += step {
		quiet := float64(prefix[i+window]-prefix[i]) <= limit
		switch {
		case quiet && !open:
			open, start, last = true, i, i
		case quiet:
			last = i
		case open:
			regions = append(regions, c.region(start, last+window, f.SampleRate))
			open = false
		}
	}
	if open {
		regions = append(regions, c.region(start, last+window, f.SampleRate))
	}
	return regions, nil
}

func (c *Classifier) region(startSample, endSample, rate int) vad.Region {
	return vad.Region{
		Start: time.Duration(startSample) * time.Second / time.Duration(rate),
		End:   time.Duration(endSample) * time.Second / time.Duration(rate),
	}
}

// samplesFor converts d to a sample count at rate, rounding down.
func samplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
