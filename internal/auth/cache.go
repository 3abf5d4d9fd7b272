package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheCapacity = 500
	defaultCacheTTL      = 5 * time.Second
	defaultErrorTTL      = time.Second
)

var errMissingResolver = errors.New("auth cache: session resolver is required")

// CacheConfig configures a Cache.
type CacheConfig struct {
	Resolver SessionResolver
	Capacity int
	TTL      time.Duration
	ErrorTTL time.Duration
	Logger   *zap.Logger
}

type cacheEntry struct {
	auth *Auth
	err  error
}

// Cache memoizes session resolutions, failures included, and shares in-flight lookups
// for the same token between callers.
type Cache struct {
	resolver SessionResolver
	items    *ttlcache.Cache[string, cacheEntry]
	errorTTL time.Duration
	inflight singleflight.Group
	logger   *zap.Logger
}

// NewCache constructs a Cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	errorTTL := cfg.ErrorTTL
	if errorTTL <= 0 {
		errorTTL = defaultErrorTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		resolver: cfg.Resolver,
		items: ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithCapacity[string, cacheEntry](uint64(capacity)),
			ttlcache.WithDisableTouchOnHit[string, cacheEntry](),
		),
		errorTTL: errorTTL,
		logger:   logger,
	}, nil
}

// GetAuth returns the Auth for sessionToken, resolving it at most once per cache lifetime.
func (c *Cache) GetAuth(ctx context.Context, sessionToken string) (*Auth, error) {
	if item := c.items.Get(sessionToken); item != nil {
		entry := item.Value()
		return entry.auth, entry.err
	}

	result, _, _ := c.inflight.Do(sessionToken, func() (any, error) {
		if item := c.items.Get(sessionToken); item != nil {
			return item.Value(), nil
		}
		resolved, err := c.resolver.ResolveSession(context.WithoutCancel(ctx), sessionToken)
		entry := cacheEntry{auth: resolved, err: err}
		if err != nil {
			c.logger.Debug("session resolution failed", zap.Error(err))
			c.items.Set(sessionToken, entry, c.errorTTL)
			return entry, nil
		}
		c.items.Set(sessionToken, entry, ttlcache.DefaultTTL)
		return entry, nil
	})
	entry := result.(cacheEntry)
	return entry.auth, entry.err
}

// Forget drops the cached resolution of sessionToken.
func (c *Cache) Forget(sessionToken string) {
	c.items.Delete(sessionToken)
}

// Len reports the number of cached resolutions.
func (c *Cache) Len() int {
	return c.items.Len()
}
