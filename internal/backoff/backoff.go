// Package backoff is the retry policy shared by source pulls and memory
// deliveries, plus the transient/permanent error taxonomy both paths use.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultJitterPercent = 20

	// maxExponent bounds the doubling so base << n cannot overflow.
	maxExponent = 32
)

// Policy computes exponential delays: base * 2^retry, jittered by
// JitterPercent and capped at MaxDelay. Attempt limits are chosen by each
// caller, never by the policy.
type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// NewPolicy returns a policy, filling zero values with defaults.
func NewPolicy(base, max time.Duration, jitterPercent uint64) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	if jitterPercent > 100 {
		jitterPercent = 100
	}
	return Policy{BaseDelay: base, MaxDelay: max, JitterPercent: jitterPercent}
}

// sequence builds a fresh capped, jittered exponential backoff.
func (p Policy) sequence() retry.Backoff {
	p = NewPolicy(p.BaseDelay, p.MaxDelay, p.JitterPercent)
	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithCappedDuration(p.MaxDelay, b)
}

// Delay returns the wait before the next attempt of something that has
// already failed retryCount times.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxExponent {
		retryCount = maxExponent
	}
	b := p.sequence()
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d, _ = b.Next()
	}
	return d
}

// Do runs fn up to maxAttempts times. Only errors wrapped with Transient are
// retried; anything else returns immediately. A TransientAfter hint longer
// than the computed delay replaces it, still capped at MaxDelay. The last
// error is returned unwrapped once attempts run out.
func (p Policy) Do(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p = NewPolicy(p.BaseDelay, p.MaxDelay, p.JitterPercent)
	seq := retry.WithMaxRetries(uint64(maxAttempts-1), p.sequence())

	var hint time.Duration
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := seq.Next()
		if stop {
			return 0, true
		}
		if hint > d {
			d = min(hint, p.MaxDelay)
		}
		hint = 0
		return d, false
	})

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			hint = RetryAfter(err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// transientError marks a failure that is expected to succeed on retry:
// timeouts, rate limiting, temporary unavailability.
type transientError struct {
	err   error
	after time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks a data failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// TransientAfter wraps err as retryable no sooner than after, typically
// from a Retry-After header.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, after: after}
}

// RetryAfter returns the minimum wait hinted by a TransientAfter error.
func RetryAfter(err error) time.Duration {
	var t *transientError
	if errors.As(err, &t) {
		return t.after
	}
	return 0
}

// Permanent wraps err as a data error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err is marked transient anywhere in its chain
// and not also marked permanent.
func IsTransient(err error) bool {
	if IsPermanent(err) {
		return false
	}
	var t *transientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is marked permanent anywhere in its chain.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
