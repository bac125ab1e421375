// SPDX-License-Identifier: MIT

package middleware

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/evergrid/evbus/pkg/evbus"
)

// Retry defaults. The jitter factor is fixed: every computed delay lies
// within ±25% of the exponential curve, capped at MaxDelay.
const (
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	retryJitterFactor        = 0.25
)

// Classifier reports whether an error is worth retrying. Retry consults it
// after every failed attempt; a false verdict aborts the sequence
// immediately without consuming the remaining delay budget.
type Classifier func(error) bool

// RetryConfig tunes the retry middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first
	// (default 3).
	MaxAttempts int
	// BaseDelay seeds the exponential backoff (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps a single backoff wait (default 30s).
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts (default 2).
	Multiplier float64
	// Classify overrides DefaultClassifier when set.
	Classify Classifier
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultBackoffMultiplier
	}
	return c
}

// DefaultClassifier treats context cancellation, validation failures and
// lifecycle misuse as non-retryable, and network or transport errors as
// retryable. Unknown errors are retried: on an at-least-once bus the
// handlers are idempotent anyway, so an extra attempt is cheaper than a
// lost event.
func DefaultClassifier(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var validationErr *evbus.ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var notInitErr *evbus.NotInitializedError
	if errors.As(err, &notInitErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *evbus.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var pubErr *evbus.PublishError
	if errors.As(err, &pubErr) {
		return true
	}
	return true
}

// Retry wraps a handler with bounded retries and exponential backoff with
// ±25% jitter. Each attempt sees its position in Metadata.RetryCount, on top
// of any redelivery count the adapter already stamped, so downstream logging
// observes retry state. Non-retryable errors are returned after exactly one
// attempt; exhaustion surfaces as *evbus.RetryExhaustedError, which the
// adapter's ack/nack logic resolves, never the original publisher. A context
// cancellation during a backoff wait aborts the sequence with the attempts
// consumed so far.
func Retry(cfg RetryConfig) Middleware {
	cfg = cfg.withDefaults()
	classify := cfg.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	return func(next evbus.Handler) evbus.Handler {
		return func(ctx context.Context, data any, meta evbus.Metadata) error {
			bo := &backoff.ExponentialBackOff{
				InitialInterval:     cfg.BaseDelay,
				RandomizationFactor: retryJitterFactor,
				Multiplier:          cfg.Multiplier,
				MaxInterval:         cfg.MaxDelay,
			}
			bo.Reset()

			baseRetry := meta.RetryCount
			var lastErr error
			for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
				meta.RetryCount = baseRetry + attempt - 1
				lastErr = next(ctx, data, meta)
				if lastErr == nil {
					return nil
				}
				if !classify(lastErr) {
					return lastErr
				}
				if attempt == cfg.MaxAttempts {
					break
				}

				delay := bo.NextBackOff()
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return &evbus.RetryExhaustedError{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
				}
			}
			return &evbus.RetryExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
		}
	}
}
