package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "cartscout:results:"

// RedisCache shares source results between processes through Redis.
// Expiry is delegated to Redis key TTLs.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client. An empty prefix selects the default.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL into a client, the way the cache and session stores expect.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return redis.NewClient(opts), nil
}

func (c *RedisCache) key(sourceID string, query domain.Query) string {
	return c.prefix + Key(sourceID, query)
}

// Get returns the cached items or ErrCacheMiss. Transport failures wrap ErrCacheUnavailable.
func (c *RedisCache) Get(ctx context.Context, sourceID string, query domain.Query) ([]domain.ProductRecord, error) {
	raw, err := c.client.Get(ctx, c.key(sourceID, query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}

	var items []domain.ProductRecord
	if err := json.Unmarshal(raw, &items); err != nil {
		// Treat undecodable entries as absent; the next Put overwrites them.
		return nil, domain.ErrCacheMiss
	}
	return items, nil
}

// Put stores items with the given TTL.
func (c *RedisCache) Put(ctx context.Context, sourceID string, query domain.Query, items []domain.ProductRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if items == nil {
		items = []domain.ProductRecord{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(sourceID, query), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Flush deletes every key under the cache prefix.
func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}
