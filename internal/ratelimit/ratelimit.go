// Package ratelimit gates per-user message throughput with a fixed
// window counter. The window is anchored at the first message, not at
// calendar boundaries, so a burst straddling a boundary may pass up to
// twice the nominal rate; that is a documented property of fixed
// windows, accepted here.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "ratelimit:user:"

	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Counters live in Redis so the limit holds whether the deployment is a
// single instance or a cluster, and a user reconnecting through a
// different instance keeps their window.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Limiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// The script checks before incrementing: a denied attempt does not grow
// the counter and never extends the window. The key's expiry doubles as
// the window reset and the garbage collection of idle counters.
var takeScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local limit = tonumber(ARGV[1])

	if current >= limit then
		return 0
	end

	current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
`)

// Allow consumes one slot from userId's current window. It reports
// false when the quota is exhausted; the window is left untouched.
func (l *Limiter) Allow(ctx context.Context, userId string) (bool, error) {
	res, err := takeScript.Run(ctx, l.client,
		[]string{keyPrefix + userId},
		l.limit,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	return res == 1, nil
}

// Clear drops userId's counter, typically on disconnect.
func (l *Limiter) Clear(ctx context.Context, userId string) error {
	if err := l.client.Del(ctx, keyPrefix+userId).Err(); err != nil {
		return fmt.Errorf("rate limit clear: %w", err)
	}
	return nil
}
