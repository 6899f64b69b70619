package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process TTL cache with a bounded number of entries
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewMemoryCache creates a cache whose entries default to ttl
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and not expired
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && c.now().Before(entry.expires) {
		c.hits++
		return entry.value, true, nil
	}
	if ok {
		delete(c.entries, key)
	}
	c.misses++
	return nil, false, nil
}

// Set stores value under key. ttl <= 0 uses the cache default.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

// evictLocked drops expired entries, or the one closest to expiry when none are
func (c *MemoryCache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	removed := false
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Clear removes every entry
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// Stats returns hit/miss counters and the current size
func (c *MemoryCache) Stats(_ context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Backend:    "memory",
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate(c.hits, c.misses),
		Size:       len(c.entries),
		MaxSize:    c.maxSize,
		TTLSeconds: c.ttl.Seconds(),
	}
}
