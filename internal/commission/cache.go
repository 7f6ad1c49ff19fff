package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// The active rule set is stored JSON-encoded under activeRulesKey suffixed
// with the current generation. Invalidate bumps the generation, so a reader
// that loaded a rule set before a write committed can only populate a key
// no later reader looks at.
const (
	activeRulesKey     = "settlement:commission:rules:active"
	rulesGenerationKey = "settlement:commission:rules:gen"
)

// DefaultCacheTTL bounds how stale a cached rule set can get when an
// invalidation is missed.
const DefaultCacheTTL = time.Minute

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCache serves ListActive from Redis and falls back to the store on a
// miss or on any Redis error.
type RedisCache struct {
	client RedisClient
	source RuleSource
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a rule cache in front of source.
func NewRedisCache(client RedisClient, source RuleSource, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, source: source, ttl: ttl, logger: logger}
}

// ListActive returns the cached active rule set.
func (c *RedisCache) ListActive(ctx context.Context) ([]*Rule, error) {
	gen, err := c.client.Get(ctx, rulesGenerationKey).Int64()
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		gen = 0
	default:
		c.logger.Warn("commission rule cache read failed", "error", err)
		return c.source.ListActive(ctx)
	}
	key := fmt.Sprintf("%s:%d", activeRulesKey, gen)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rules []*Rule
		if jsonErr := json.Unmarshal(raw, &rules); jsonErr == nil {
			return rules, nil
		}
		c.logger.Warn("discarding undecodable commission rule cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("commission rule cache read failed", "error", err)
	}

	rules, err := c.source.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rules); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("commission rule cache write failed", "error", err)
		}
	}
	return rules, nil
}

// Invalidate moves readers to a fresh generation. Entries under earlier
// generations expire with the cache TTL.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, rulesGenerationKey).Err()
}
