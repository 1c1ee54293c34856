// Package retry implements the bounded exponential-backoff policy shared by
// connectors and object sinks.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// MaxAttempts is the hard ceiling on attempts for any policy.
const MaxAttempts = 3

// Policy controls retry behavior. Attempts counts the first call.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction (0..1) of each delay that is randomized.
	Jitter float64
	// AttemptTimeout bounds each call of fn. An attempt that runs out of
	// time fails like any other and is retried when retryable accepts it.
	AttemptTimeout time.Duration
}

// Default is suitable for most HTTP calls.
var Default = Policy{
	Attempts:  MaxAttempts,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  5 * time.Second,
	Jitter:    0.2,
}

// None performs a single attempt.
var None = Policy{Attempts: 1}

func (p Policy) attempts() int {
	switch {
	case p.Attempts <= 0:
		return 1
	case p.Attempts > MaxAttempts:
		return MaxAttempts
	}
	return p.Attempts
}

// Delay returns the wait before retry number n (0-based).
func (p Policy) Delay(n int) time.Duration {
	wait := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n)))
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 && wait > 0 {
		j := math.Min(p.Jitter, 1)
		spread := float64(wait) * j
		wait = time.Duration(float64(wait) - spread + rand.Float64()*2*spread)
	}
	return wait
}

// Budget is the longest a Do call can take when every attempt times out:
// all attempt timeouts plus the largest possible backoff between them. It is
// zero when AttemptTimeout is unset.
func (p Policy) Budget() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 0
	}
	n := p.attempts()
	total := time.Duration(n) * p.AttemptTimeout
	j := math.Min(math.Max(p.Jitter, 0), 1)
	for i := 0; i < n-1; i++ {
		wait := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(i)))
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		total += time.Duration(float64(wait) * (1 + j))
	}
	return total
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget runs out, or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	n := p.attempts()
	for attempt := 0; attempt < n; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		}

		result, err := call(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return zero, err
		}

		if attempt < n-1 {
			wait := p.Delay(attempt)
			slog.Debug("retrying", slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.Any("error", err))
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return zero, lastErr
			}
		}
	}
	return zero, lastErr
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
