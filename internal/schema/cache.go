package schema

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCacheCapacity = 10_000
	redisKeyPrefix       = "livequery:schema:"
	redisScanBatch       = 100
)

// Cache stores schema snapshots keyed by class name.
// Implementations treat backend failures as misses.
type Cache interface {
	Get(ctx context.Context, className string) (ClassSchema, bool)
	Set(ctx context.Context, schema ClassSchema)
	Clear(ctx context.Context)
}

// MemoryCache is an in-process Cache with a TTL per entry.
type MemoryCache struct {
	items *ttlcache.Cache[string, ClassSchema]
}

// NewMemoryCache builds a MemoryCache; a zero ttl keeps entries until cleared.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	return &MemoryCache{
		items: ttlcache.New[string, ClassSchema](
			ttlcache.WithTTL[string, ClassSchema](ttl),
			ttlcache.WithCapacity[string, ClassSchema](defaultCacheCapacity),
			ttlcache.WithDisableTouchOnHit[string, ClassSchema](),
		),
	}
}

func (c *MemoryCache) Get(_ context.Context, className string) (ClassSchema, bool) {
	item := c.items.Get(className)
	if item == nil {
		return ClassSchema{}, false
	}
	return item.Value(), true
}

func (c *MemoryCache) Set(_ context.Context, schema ClassSchema) {
	c.items.Set(schema.ClassName, schema, ttlcache.DefaultTTL)
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.items.DeleteAll()
}

// RedisCache shares schema snapshots between processes through redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, className string) (ClassSchema, bool) {
	payload, err := c.client.Get(ctx, redisKeyPrefix+className).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("schema cache read failed", zap.String("class_name", className), zap.Error(err))
		}
		return ClassSchema{}, false
	}
	var schema ClassSchema
	if err := json.Unmarshal(payload, &schema); err != nil {
		c.logger.Warn("schema cache entry corrupt", zap.String("class_name", className), zap.Error(err))
		return ClassSchema{}, false
	}
	return schema, true
}

func (c *RedisCache) Set(ctx context.Context, schema ClassSchema) {
	payload, err := json.Marshal(schema)
	if err != nil {
		c.logger.Warn("schema cache encode failed", zap.String("class_name", schema.ClassName), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+schema.ClassName, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("schema cache write failed", zap.String("class_name", schema.ClassName), zap.Error(err))
	}
}

func (c *RedisCache) Clear(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", redisScanBatch).Result()
		if err != nil {
			c.logger.Warn("schema cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("schema cache clear failed", zap.Error(err))
				return
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
