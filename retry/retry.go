// Package retry runs an operation a bounded number of times with a
// pluggable backoff between attempts. It is shared by the page crawler
// and the file downloader.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"cloudeng.io/errors"

	"github.com/kal-eido-scope/Epstein-downloader/fetcherr"
)

// Backoff returns the delay before the attempt that follows a failed
// attempt (1-based) which ended with err.
type Backoff func(attempt int, err error) time.Duration

// Exponential doubles base per attempt up to max and adds up to
// jitter*delay of random extra wait.
func Exponential(base, max time.Duration, jitter float64) Backoff {
	return func(attempt int, _ error) time.Duration {
		if attempt <= 0 {
			attempt = 1
		}
		delay := base * time.Duration(1<<uint(attempt-1))
		if max > 0 && (delay > max || delay <= 0) {
			delay = max
		}
		if jitter > 0 && delay > 0 {
			delay += time.Duration(rand.Float64() * jitter * float64(delay))
		}
		return delay
	}
}

// Linear waits step*attempt.
func Linear(step time.Duration) Backoff {
	return func(attempt int, _ error) time.Duration {
		return step * time.Duration(attempt)
	}
}

// RateLimited uses limited for 403/429 refusals and fallback otherwise.
func RateLimited(limited, fallback Backoff) Backoff {
	return func(attempt int, err error) time.Duration {
		if fetcherr.IsRateLimited(err) {
			return limited(attempt, err)
		}
		return fallback(attempt, err)
	}
}

// Policy bounds an operation to Attempts tries.
type Policy struct {
	Attempts int
	Backoff  Backoff

	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, the attempts are exhausted or ctx is done.
// It returns nil on success, otherwise every attempt's error collected in
// an errors.M. No wait follows the final attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var errs errors.M
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			errs.Append(err)
			return &errs
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		errs.Append(err)
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			errs.Append(err)
			break
		}
	}
	return &errs
}

// Errors flattens the error returned by Do into its per-attempt errors.
func Errors(err error) []error {
	if err == nil {
		return nil
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		return m.Unwrap()
	}
	return []error{err}
}
