package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection configuration
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	MaxRetries int
	PoolSize   int
}

// DefaultRedisConfig returns a default configuration for local development
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		Prefix:     "pgql:",
		TTL:        5 * time.Minute,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// RedisCache shares introspection results between server replicas
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	defaults := DefaultRedisConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: cfg.MaxRetries,
		PoolSize:   cfg.PoolSize,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisCache{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

// Get returns the cached value for key
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return nil, false, err
	}
	c.hits.Add(1)
	return data, true, nil
}

// Set stores value under key with ttl, or the configured default
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Clear deletes every key under the cache prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Stats returns local hit/miss counters and the number of prefixed keys
func (c *RedisCache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	size := 0
	if keys, err := c.keys(ctx); err == nil {
		size = len(keys)
	}
	return Stats{
		Backend:    "redis",
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
		Size:       size,
		TTLSeconds: c.ttl.Seconds(),
	}
}

// Close closes the Redis client connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		all    []string
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
		if next == 0 {
			return all, nil
		}
		cursor = next
	}
}
