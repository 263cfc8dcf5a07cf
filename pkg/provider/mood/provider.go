// Package mood defines the Provider interface for mood and emotion sources.
//
// A mood is a short free-form label ("happy", "tired", "neutral") that
// colours every generated response. Sources range from a label captured when
// the user opened the session to a text emotion classifier fed with the
// latest transcript. Providers return an empty label when they have nothing
// to say; callers fall back to [Neutral].
//
// Implementations must be safe for concurrent use.
package mood

import (
	"context"
	"errors"
	"strings"
)

// Neutral is the label used when no source produced a mood.
const Neutral = "neutral"

// Request identifies whose mood is being asked for.
type Request struct {
	// SessionID is the conversation the response belongs to.
	SessionID string

	// Transcript is the user's most recent utterance. Empty for idle actions.
	Transcript string
}

// Provider returns the current mood label for a session.
type Provider interface {
	// CurrentMood returns the mood label, or "" when the source has no
	// opinion. An error means the source could not be consulted.
	CurrentMood(ctx context.Context, req Request) (string, error)
}

// Chain consults providers in order and returns the first non-empty label.
// Errors from skipped providers are only returned when no provider produced
// a label.
type Chain []Provider

var _ Provider = Chain(nil)

// CurrentMood implements [Provider].
func (c Chain) CurrentMood(ctx context.Context, req Request) (string, error) {
	var errs []error
	for _, p := range c {
		label, err := p.CurrentMood(ctx, req)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if label = strings.TrimSpace(label); label != "" {
			return label, nil
		}
	}
	return "", errors.Join(errs...)
}
