// Package mock provides a test double for [vad.Classifier].
//
// Results are consumed in call order; once exhausted, Default is returned.
// Set Func to compute a verdict from the chunk itself.
//
// Example:
//
//	c := &mock.Classifier{Results: []mock.Result{{Silent: true}, {Err: errBoom}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/provider/vad"
)

// Result is one scripted verdict.
type Result struct {
	Silent bool
	Err    error
}

// IsSilentCall records a single invocation of Classifier.IsSilent.
type IsSilentCall struct {
	// PCM is a copy of the chunk passed in.
	PCM    []byte
	Format audio.Format
}

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Func, if set, decides every call and takes precedence over Results.
	Func func(pcm []byte, f audio.Format) (bool, error)

	// Results are returned in order, one per call.
	Results []Result

	// Default is returned once Results is exhausted.
	Default Result

	// Calls records every invocation in order.
	Calls []IsSilentCall
}

var _ vad.Classifier = (*Classifier)(nil)

// IsSilent records the call and returns the next scripted result.
func (c *Classifier) IsSilent(_ context.Context, pcm []byte, f audio.Format) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.Calls = append(c.Calls, IsSilentCall{PCM: cp, Format: f})
	if c.Func != nil {
		return c.Func(pcm, f)
	}
	if len(c.Results) > 0 {
		r := c.Results[0]
		c.Results = c.Results[1:]
		return r.Silent, r.Err
	}
	return c.Default.Silent, c.Default.Err
}

// CallCount returns the number of IsSilent calls. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
