// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Every chat node shares the counters, so a user is
// throttled the same way whichever node holds the connection.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // action reported to clients (send, typing, connect)
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules.
var (
	// RuleSend allows 20 messages per 10 seconds per user.
	RuleSend = Rule{Name: "send", Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleTyping allows 30 typing signals per 10 seconds per user.
	RuleTyping = Rule{Name: "typing", Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket connection attempts per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Rules groups the per-action policies of one deployment.
type Rules struct {
	Send    Rule
	Typing  Rule
	Connect Rule
}

// DefaultRules returns the default policies.
func DefaultRules() Rules {
	return Rules{Send: RuleSend, Typing: RuleTyping, Connect: RuleConnect}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Check decides whether the identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first
// access. The decision carries the remaining budget and, when limited, the
// time until the window resets.
//
// On Redis errors the method fails open so that a Redis outage does not
// block legitimate traffic; the error is still returned.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	open := Decision{Allowed: true, Remaining: rule.Limit}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[ratelimit] INCR failed, failing open")
		return open, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("[ratelimit] EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return open, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true, Remaining: rule.Limit - int(count)}, nil
	}

	retry, err := l.client.PTTL(ctx, key).Result()
	if err != nil || retry <= 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
