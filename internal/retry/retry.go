// Package retry repeats transient operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how often and how long an operation is retried.
type Policy struct {
	Attempts   int           // total attempts, at least 1
	Initial    time.Duration // wait after the first failure
	Max        time.Duration // upper bound for a single wait
	Multiplier float64
	Jitter     float64 // fraction of the wait, 0-1
}

// DefaultPolicy suits calls to local collaborators such as an OCR service.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. Unmarked errors stop Do at once.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Wait returns the backoff before attempt n+1, n counting from 1.
func (p Policy) Wait(n int) time.Duration {
	wait := float64(p.Initial) * math.Pow(p.Multiplier, float64(n-1))
	if p.Max > 0 && wait > float64(p.Max) {
		wait = float64(p.Max)
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do runs fn until it succeeds, returns a non-transient error, runs out of
// attempts, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for n := 1; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) || n == attempts {
			return zero, unwrap(err)
		}

		timer := time.NewTimer(p.Wait(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func unwrap(err error) error {
	if t, ok := err.(transientError); ok {
		return t.err
	}
	return err
}
