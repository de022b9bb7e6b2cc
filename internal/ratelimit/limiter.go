// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Chat sends are throttled per user identity, uploads and new
// connections per client address.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soulchat/chat-server/internal/metrics"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // label used in metrics
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 20 stored messages per 10 seconds per user.
	RuleMessage = Rule{Name: "message", Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleLive allows 20 relayed socket messages per 10 seconds per user.
	// Clients send each message over both paths, so the two are counted
	// separately.
	RuleLive = Rule{Name: "live", Key: "rl:live:", Limit: 20, Window: 10 * time.Second}

	// RuleUpload allows 10 uploads per minute per client address.
	RuleUpload = Rule{Name: "upload", Key: "rl:upload:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 30 WebSocket connections per minute per client address.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A nil *Limiter
// allows everything.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
		return false, nil
	}

	return true, nil
}

// ResetIn returns how long until the identifier's current window for rule
// closes. It returns the full window when no window is open or Redis cannot
// be reached.
func (l *Limiter) ResetIn(ctx context.Context, identifier string, rule Rule) time.Duration {
	if l == nil {
		return rule.Window
	}
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis PTTL error key=%s: %v", key, err)
		return rule.Window
	}
	// -2 means no key, -1 means no expiry.
	if ttl <= 0 {
		return rule.Window
	}
	return ttl
}
