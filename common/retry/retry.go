// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package retry provides a reusable retry policy for idempotent ledger
// writes. It must only be applied to operations that are safe to repeat
// (step usage upserts, webhook-driven period resets); retrying a
// non-idempotent increment would double-bill.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait time before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait time between retries.
	MaxBackoff time.Duration

	// Factor is the multiplier for exponential backoff.
	Factor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf determines whether an error should be retried.
	RetryIf func(err error) bool
}

// DefaultPolicy returns the policy used for ledger writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Factor:         2.0,
		Jitter:         0.1,
		RetryIf:        Transient,
	}
}

// Transient reports whether an error looks like a transient infrastructure
// failure (connection loss, timeout) rather than a permanent one. Permanent
// errors (constraint violations, bad input) must not be retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"server closed the connection",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Do executes fn under the policy, waiting with exponential backoff between
// attempts. It returns nil on the first success, the last error once
// attempts are exhausted or the error is not retryable, and the context
// error if the context is cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}

		// Don't wait after the last attempt
		if attempt >= attempts-1 {
			break
		}

		backoff := p.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

func (p Policy) backoffFor(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= p.Factor
	}
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && backoff > max {
		backoff = max
	}
	if p.Jitter > 0 {
		delta := backoff * p.Jitter
		backoff += (rand.Float64() * 2 * delta) - delta
	}
	return time.Duration(backoff)
}
