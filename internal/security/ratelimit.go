package security

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRate = 30
	DefaultPer  = 60 * time.Second
)

// RateLimitSettings is the bucket configuration shared by every client
type RateLimitSettings struct {
	Rate int     `json:"rate"`
	Per  float64 `json:"per"`
}

// RateLimiter keeps one token bucket per client id. A bucket holds at most
// Rate tokens and refills at Rate per Per.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	per     time.Duration
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter; non-positive arguments use the defaults
func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRate
	}
	if per <= 0 {
		per = DefaultPer
	}
	return &RateLimiter{limit: limit, per: per, buckets: map[string]*rate.Limiter{}}
}

// Allow consumes a token for id if one is available
func (l *RateLimiter) Allow(id string) bool {
	return l.AllowAt(id, time.Now())
}

// AllowAt is Allow evaluated at now
func (l *RateLimiter) AllowAt(id string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[id]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.limit)/l.per.Seconds()), l.limit)
		l.buckets[id] = b
	}
	l.mu.Unlock()
	return b.AllowN(now, 1)
}

// Reset refills the bucket of id
func (l *RateLimiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
}

// Update changes the bucket configuration and refills every bucket
func (l *RateLimiter) Update(limit int, per time.Duration) error {
	if limit < 1 {
		return errors.New("rate must be at least 1")
	}
	if per <= 0 {
		return errors.New("per must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.per = per
	l.buckets = map[string]*rate.Limiter{}
	return nil
}

// Settings returns the current configuration
func (l *RateLimiter) Settings() RateLimitSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RateLimitSettings{Rate: l.limit, Per: l.per.Seconds()}
}
