// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit provides request rate limiting for the chat and report
// APIs. The Redis limiter coordinates across service instances; the local
// limiter covers single-instance deployments and acts as the fallback when
// Redis is unreachable. Rate limiting is traffic protection, not billing:
// on infrastructure failure every limiter here fails open, because the
// usage ledger remains the authority on spend.
package ratelimit

import (
	"context"
	"time"
)

// Window describes one enforcement window
type Window struct {
	Name  string        // key namespace, e.g. "chat-hourly"
	Limit int64         // max requests per span
	Span  time.Duration // sliding window length
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter decides whether an identity may proceed right now
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

// Chain composes limiters; a request must pass every one. Checks run in
// order and stop at the first denial.
type Chain []Limiter

func (c Chain) Allow(ctx context.Context, identity string) (Decision, error) {
	last := Decision{Allowed: true, Remaining: -1}
	for _, l := range c {
		d, err := l.Allow(ctx, identity)
		if err != nil {
			return d, err
		}
		if !d.Allowed {
			return d, nil
		}
		if last.Remaining < 0 || d.Remaining < last.Remaining {
			last = d
		}
	}
	return last, nil
}
