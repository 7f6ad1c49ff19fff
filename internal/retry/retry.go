// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy controls how many times and how fast an operation is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single backoff. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultPolicy suits a single outbound payment-provider call.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn up to p.Attempts times. fn receives the 1-based attempt
// number. It stops early on success, on a *PermanentError (whose wrapped
// error is returned), or when ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// Do is Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do for callers
// that do not need the attempt number.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error { return fn() })
}

// jittered returns d +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := uint64(2*jitter + 1)
	return d - jitter + time.Duration(binary.LittleEndian.Uint64(b[:])%n) //nolint:gosec // n > 0
}
