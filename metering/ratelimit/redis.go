// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"inventum/platform/shared/logger"
)

// RedisLimiter enforces a sliding window across all service instances
// using a sorted set of request timestamps per identity. Redis errors fail
// open: the request is allowed and the failure is logged and counted.
type RedisLimiter struct {
	client *redis.Client
	window Window
	log    *logger.Logger
}

func NewRedisLimiter(client *redis.Client, window Window, log *logger.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, window: window, log: log}
}

// NewRedisClient builds a client from a redis:// URL and verifies the
// connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (l *RedisLimiter) key(identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.window.Name, identity)
}

// Allow trims expired timestamps, counts the window, and records the
// request in one pipeline. The count is taken before the current request
// is added, so exactly Limit requests pass per span.
func (l *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	now := time.Now()
	key := l.key(identity)
	windowStart := now.Add(-l.window.Span)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, l.window.Span+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		promFailOpen.WithLabelValues(l.window.Name).Inc()
		l.log.Warn(identity, "", "Rate limit check failed, failing open", map[string]interface{}{
			"window": l.window.Name,
			"error":  err.Error(),
		})
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	count := countCmd.Val()
	if count >= l.window.Limit {
		// The over-limit entry stays in the set; a client hammering the
		// endpoint keeps pushing its own window forward.
		promDenials.WithLabelValues(l.window.Name).Inc()
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.retryAfter(ctx, key, now),
		}, nil
	}

	return Decision{Allowed: true, Remaining: l.window.Limit - count - 1}, nil
}

// retryAfter estimates when the oldest request in the window expires.
// Best effort: on error it reports the full span.
func (l *RedisLimiter) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return l.window.Span
	}
	expiry := time.Unix(0, int64(oldest[0].Score)).Add(l.window.Span)
	wait := expiry.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Reset clears all recorded requests for an identity (admin operation)
func (l *RedisLimiter) Reset(ctx context.Context, identity string) error {
	if err := l.client.Del(ctx, l.key(identity)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
