package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often and how patiently one collaborator call is
// repeated. The zero value makes a single attempt.
type RetryPolicy struct {
	// Attempts is the total number of calls, the first one included.
	Attempts int

	// BaseDelay is the wait before the second attempt. Each further wait
	// doubles, up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// Backoff returns a fresh go-retry backoff for one call sequence. Backoffs are
// stateful and must not be shared between sequences.
func (p RetryPolicy) Backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithJitterPercent(10, b)
	extra := p.Attempts - 1
	if extra < 0 {
		extra = 0
	}
	return retry.WithMaxRetries(uint64(extra), b)
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retry] returns it immediately. A nil err stays
// nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry calls fn until it succeeds, returns a [Permanent] error, ctx ends, or
// the policy's attempts are used up. The returned error is the last one fn
// produced, with any [Permanent] marker removed; an open circuit is never
// retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err), errors.Is(err, ErrCircuitOpen), ctx.Err() != nil:
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}

// RetryValue is [Retry] for calls that produce a value.
func RetryValue[R any](ctx context.Context, p RetryPolicy, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := Retry(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
