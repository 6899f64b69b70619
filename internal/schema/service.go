package schema

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/llm"
	"github.com/kartoza/kartoza-pgql/internal/logging"
)

// Service caches schema descriptions per endpoint and allow-list
type Service struct {
	extractor *Extractor
	cache     cache.Cache
	ttl       time.Duration
	endpoint  string
	group     singleflight.Group
	logger    *zap.Logger
}

// NewService wraps an extractor with cache-aside lookups. A nil cache disables
// caching.
func NewService(extractor *Extractor, c cache.Cache, endpoint string, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		extractor: extractor,
		cache:     c,
		ttl:       ttl,
		endpoint:  endpoint,
		logger:    logging.OrNop(logger),
	}
}

// CacheKey returns the key a description for allowed is stored under.
// Schema-qualified entries share the key of their root field names.
func (s *Service) CacheKey(allowed []string) string {
	sorted := make([]string, len(allowed))
	for i, a := range allowed {
		sorted[i] = llm.RootField(a)
	}
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)
	return "schema_dsl:" + s.endpoint + ":" + strings.Join(sorted, ",")
}

// Describe returns the cached description or extracts a fresh one.
// Concurrent misses for the same key share one extraction, which is not
// cancelled when the caller that started it goes away.
func (s *Service) Describe(ctx context.Context, allowed []string) (*Description, error) {
	key := s.CacheKey(allowed)

	if s.cache != nil {
		var desc Description
		ok, err := cache.GetJSON(ctx, s.cache, key, &desc)
		if err != nil {
			s.logger.Warn("schema cache read failed", zap.Error(err))
		} else if ok {
			return &desc, nil
		}
	}

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		desc, err := s.extractor.Extract(ctx, allowed)
		if err != nil {
			return nil, err
		}
		if s.cache != nil && !desc.Empty {
			if err := cache.SetJSON(ctx, s.cache, key, desc, s.ttl); err != nil {
				s.logger.Warn("schema cache write failed", zap.Error(err))
			}
		}
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("schema extraction shared", zap.String("key", key))
	}
	return v.(*Description), nil
}
