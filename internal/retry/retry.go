// Package retry implements the full-jitter exponential backoff shared
// by ForgeClient and LLMClient (spec.md §4.3, §7). Both clients retry
// on transport errors and 5xx/429; neither retries other 4xx.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nolood/review-bot-sub000/internal/apperr"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultPolicy matches spec.md §4.3's stated default: 3 attempts,
// base 1s, cap 30s, factor 2.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2}
}

// Retriable is implemented by errors that know whether they warrant
// another attempt (apperr.ForgeAPIError, apperr.LLMError).
type Retriable interface {
	error
	Retriable() bool
}

// Do runs fn up to p.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. fn's error is retried when it implements
// Retriable and reports true, or when it's a plain transport error
// (anything not recognized as a typed, non-retriable apperr value).
// A non-retriable error is returned as is; when every attempt fails,
// the last error is wrapped in apperr.RetryExhaustedError.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := jitter(delay, p.MaxDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return &apperr.RetryExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}

func shouldRetry(err error) bool {
	var r Retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	// Unclassified errors (network timeouts, connection resets) are
	// treated as transport errors and retried.
	return true
}

// jitter returns a duration in [0, cap(base, max)] — full jitter, as
// recommended for backpressure-prone upstreams (AWS architecture blog
// "Exponential Backoff And Jitter").
func jitter(base, max time.Duration) time.Duration {
	if base > max {
		base = max
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}
