// Package backoff provides the exponential backoff policy used between
// reconnect attempts, plus a small retry helper for one-shot operations.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// jitterFraction is the maximum fraction of the base delay added as jitter.
// Randomizing reconnect delays avoids synchronized reconnect storms when
// many clients lose the same upstream at once.
const jitterFraction = 0.10

// Policy computes reconnect delays for successive attempts.
//
// Attempt numbering: attempt 0 is the initial connection and gets no delay;
// attempt n >= 1 waits min(BaseDelay * 2^(n-1), MaxDelay) plus a uniform
// random jitter of up to 10% of that delay.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on the exponential growth
	MaxAttempts int           // retries allowed before giving up (0 = unlimited)
}

// Default returns the policy used by the stock feed clients: 5s base,
// 60s cap, 5 attempts.
func Default() Policy {
	return Policy{
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// BaseFor returns the deterministic (jitter-free) delay for an attempt.
// Exposed separately so the monotonicity and cap behavior are testable
// independent of randomness.
func (p Policy) BaseFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 { // overflow guard
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay for an attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseFor(attempt)
	if base <= 0 {
		return 0
	}

	jitterMax := int64(float64(base) * jitterFraction)
	if jitterMax <= 0 {
		return base
	}

	return base + time.Duration(rand.Int63n(jitterMax))
}

// Exhausted reports whether attempt exceeds the configured maximum.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Wait sleeps for the attempt's jittered delay, returning early with the
// context error if ctx is cancelled. A cancelled wait must not be mistaken
// for an elapsed one: callers use the error to abort the reconnect cycle.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	delay := p.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NonRetryableError wraps errors that should not be retried by Do.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return "non-retryable: " + e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Do executes fn with the policy's backoff between failures, up to
// MaxAttempts retries. The first invocation happens immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if p.Exhausted(attempt) {
			break
		}

		if err := p.Wait(ctx, attempt); err != nil {
			return errors.Join(err, lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
	}

	return lastErr
}
