// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The window starts at the first counted action and resets
// when the key expires; nothing sweeps counters actively.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleAPI covers control requests (match, skip, report): 60 per minute
	// per connection.
	RuleAPI = Rule{Key: "rl:api:", Limit: 60, Window: 60 * time.Second}

	// RuleUpgrade throttles WebSocket upgrades: 60 per minute per client
	// identity.
	RuleUpgrade = Rule{Key: "rl:upgrade:", Limit: 60, Window: 60 * time.Second}

	// RuleMessage allows 15 chat messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 15, Window: 10 * time.Second}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.SugaredLogger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Increment counts one action for identifier under rule and returns the
// count in the current window. The first increment of a window sets its
// expiry.
func (l *Limiter) Increment(ctx context.Context, identifier string, rule Rule) (int64, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return 0, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}
	return count, nil
}

// Allow reports whether identifier is still within rule. On Redis errors it
// fails open (returns true) and passes the error on for the caller to log
// or surface as degraded.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	count, err := l.Increment(ctx, identifier, rule)
	if err != nil {
		l.log.Debugw("rate limit check failed, allowing", "rule", rule.Key, "error", err)
		return true, err
	}
	return count <= int64(rule.Limit), nil
}

// Remaining returns the number of actions identifier has left in the current
// window. Returns the full limit if the window has not started. On Redis
// errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
