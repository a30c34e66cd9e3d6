package cache

import (
	"context"
	"strings"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	"github.com/getsentry/sentry-go"
	goCache "github.com/patrickmn/go-cache"
)

const (
	DefaultExpiration      = 30 * time.Minute
	DefaultCleanupInterval = 1 * time.Hour
)

// InMemoryCache implements Cache on top of github.com/patrickmn/go-cache
type InMemoryCache struct {
	cache *goCache.Cache
}

// NewInMemoryCache builds a process local cache from the cache config section
func NewInMemoryCache(cfg *config.Configuration) *InMemoryCache {
	expiration := cfg.Cache.DefaultExpiration
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	cleanup := cfg.Cache.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	return &InMemoryCache{cache: goCache.New(expiration, cleanup)}
}

// NewCache is the fx provider
func NewCache(cfg *config.Configuration) Cache {
	return NewInMemoryCache(cfg)
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, bool) {
	span := startCacheSpan(ctx, "get", key)
	v, ok := c.cache.Get(key)
	if span != nil {
		span.SetData("hit", ok)
		span.Finish()
	}
	return v, ok
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) {
	if expiration <= 0 {
		expiration = goCache.DefaultExpiration
	}
	c.cache.Set(key, value, expiration)
}

func (c *InMemoryCache) Delete(_ context.Context, key string) {
	c.cache.Delete(key)
}

func (c *InMemoryCache) DeleteByPrefix(_ context.Context, prefix string) {
	for k := range c.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Delete(k)
		}
	}
}

func (c *InMemoryCache) Flush(_ context.Context) {
	c.cache.Flush()
}

// startCacheSpan returns nil when no sentry hub travels with ctx
func startCacheSpan(ctx context.Context, operation, key string) *sentry.Span {
	if sentry.GetHubFromContext(ctx) == nil {
		return nil
	}
	span := sentry.StartSpan(ctx, "db.cache")
	span.Description = "cache.inmemory." + operation
	span.SetData("key", key)
	return span
}
