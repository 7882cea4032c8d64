package loan

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cachePrefix = "loan:"

// missing marks a cached ErrNotFound.
const missing = "-"

// CacheConfig controls how long loan records stay in Redis. Funded loans
// never change participants, so they are kept for TTL; anything else may
// still be funded soon and is kept for NegativeTTL.
type CacheConfig struct {
	TTL         time.Duration
	NegativeTTL time.Duration
}

// DefaultCacheConfig returns the default cache lifetimes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:         10 * time.Minute,
		NegativeTTL: 15 * time.Second,
	}
}

// CachedSource fronts another Source with Redis. Redis failures fall through
// to the wrapped source.
type CachedSource struct {
	next   Source
	client *redis.Client
	config CacheConfig
}

// NewCachedSource wraps next with a Redis cache.
func NewCachedSource(next Source, client *redis.Client, config CacheConfig) *CachedSource {
	return &CachedSource{next: next, client: client, config: config}
}

func (c *CachedSource) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	key := cachePrefix + loanID

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if raw == missing {
			return Loan{}, ErrNotFound
		}
		var l Loan
		if jerr := json.Unmarshal([]byte(raw), &l); jerr == nil {
			return l, nil
		}
		log.Warn().Str("loan", loanID).Msg("loan: dropping corrupt cache entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("loan", loanID).Msg("loan: cache read failed")
	}

	l, err := c.next.GetLoan(ctx, loanID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.store(ctx, key, missing, c.config.NegativeTTL)
		return Loan{}, err
	case err != nil:
		return Loan{}, err
	}

	data, err := json.Marshal(l)
	if err == nil {
		ttl := c.config.TTL
		if !l.Funded() {
			ttl = c.config.NegativeTTL
		}
		c.store(ctx, key, string(data), ttl)
	}
	return l, nil
}

func (c *CachedSource) store(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("loan: cache write failed")
	}
}
