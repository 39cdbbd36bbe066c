package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded retry schedule. Attempt n (zero based) waits
// BaseDelay*Multiplier^n before the next try, capped at MaxDelay, plus a
// random jitter in [0, Jitter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// ReadPolicy is used for chain reads and HTTP queries.
var ReadPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
}

// SubmitPolicy is used when re-enqueuing failed transaction submissions.
var SubmitPolicy = Policy{
	MaxAttempts: 6,
	BaseDelay:   2 * time.Second,
	Multiplier:  2,
	MaxDelay:    16 * time.Second,
	Jitter:      500 * time.Millisecond,
}

// Backoff returns the delay that follows a failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	out := time.Duration(d)
	if p.Jitter > 0 {
		out += rand.N(p.Jitter)
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// canceled or the policy is exhausted. The last error is returned.
func Do[T any](ctx context.Context, p Policy, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	n := p.attempts()
	for i := 0; i < n; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err
		if i == n-1 {
			break
		}
		backoff := p.Backoff(i)
		log.Printf("[warn] %s: attempt %d/%d failed: %v (backoff %s)", label, i+1, n, err, backoff)
		if err := Sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s: %w (last error: %v)", label, err, lastErr)
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
