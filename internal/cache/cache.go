// Package cache holds the short-lived introspection cache shared by the gateway
// client and the schema extractor. Callers follow cache-aside: compute a key,
// check the cache, compute on miss, store.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is a byte-oriented TTL cache
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// Stats reports cache effectiveness
type Stats struct {
	Backend    string  `json:"backend"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Size       int     `json:"size"`
	MaxSize    int     `json:"maxsize,omitempty"`
	TTLSeconds float64 `json:"ttl"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// GetJSON decodes a cached JSON value into v
func GetJSON(ctx context.Context, c Cache, key string, v any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON stores v as JSON
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
