// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter enforces a per-identity token bucket in process memory.
// Used for single-instance deployments and as the always-available layer
// in front of the Redis limiter.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	limit   rate.Limit
	burst   int
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows sustained requests at limit per second with the
// given burst.
func NewLocalLimiter(limit rate.Limit, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*localBucket),
		limit:   limit,
		burst:   burst,
	}
}

// NewLocalWindow approximates a Window as a token bucket: sustained rate
// Limit/Span with burst Limit.
func NewLocalWindow(w Window) *LocalLimiter {
	perSecond := float64(w.Limit) / w.Span.Seconds()
	return NewLocalLimiter(rate.Limit(perSecond), int(w.Limit))
}

func (l *LocalLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	l.mu.Lock()
	b, ok := l.buckets[identity]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[identity] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Duration(float64(time.Second) / float64(l.limit)),
		}, nil
	}
	return Decision{Allowed: true, Remaining: int64(b.limiter.Tokens())}, nil
}

// RunJanitor evicts buckets idle longer than maxIdle until ctx is done
func (l *LocalLimiter) RunJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(maxIdle)
		}
	}
}

func (l *LocalLimiter) evictIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
