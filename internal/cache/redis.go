package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
	redisclient "github.com/flowbill/entitlements/internal/redis"
	"github.com/flowbill/entitlements/internal/tracing"
)

const (
	// deleteRetryDelay specifies how long to wait before retrying a failed delete operation.
	deleteRetryDelay = 100 * time.Millisecond
	// scanCount determines how many keys to scan at once when using SCAN.
	scanCount = 100
)

// RedisCache implements Cache on top of redis/go-redis/v9, for
// multi-process deployments where the SWR cache must be visible across
// replicas.
type RedisCache struct {
	client *goredis.Client
	cfg    *config.Configuration
	log    *logger.Logger
}

// NewRedisCache builds a RedisCache from an already-connected client.
func NewRedisCache(client *redisclient.Client, cfg *config.Configuration, log *logger.Logger) *RedisCache {
	return &RedisCache{client: client.GetClient(), cfg: cfg, log: log}
}

func (c *RedisCache) key(key string) string {
	if c.cfg.Redis.KeyPrefix == "" {
		return key
	}
	return c.cfg.Redis.KeyPrefix + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (interface{}, bool) {
	if !c.cfg.Cache.Enabled {
		return nil, false
	}
	return c.ForceCacheGet(ctx, key)
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) {
	if !c.cfg.Cache.Enabled {
		return
	}
	c.ForceCacheSet(ctx, key, value, expiration)
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	redisKey := c.key(key)
	if err := c.client.Del(ctx, redisKey).Err(); err != nil {
		c.log.Warnw("redis delete failed, retrying", "key", redisKey, "error", err)
		retryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		time.Sleep(deleteRetryDelay)
		if retryErr := c.client.Del(retryCtx, redisKey).Err(); retryErr != nil {
			c.log.Errorw("redis delete retry failed", "key", redisKey, "error", retryErr)
		}
	}
}

func (c *RedisCache) DeleteByPrefix(ctx context.Context, prefix string) {
	redisPrefix := c.key(prefix)
	iter := c.client.Scan(ctx, 0, redisPrefix+"*", scanCount).Iterator()

	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 1000 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				c.log.Errorw("redis batch delete failed", "prefix", redisPrefix, "error", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			c.log.Errorw("redis batch delete failed", "prefix", redisPrefix, "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.log.Errorw("redis scan failed", "prefix", redisPrefix, "error", err)
	}
}

func (c *RedisCache) Flush(ctx context.Context) {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		c.log.Errorw("redis flushdb failed", "error", err)
	}
}

func (c *RedisCache) ForceCacheGet(ctx context.Context, key string) (interface{}, bool) {
	span := tracing.StartCacheSpan(ctx, "get", key)
	defer tracing.FinishSpan(span)

	redisKey := c.key(key)
	value, err := c.client.Get(ctx, redisKey).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warnw("redis get failed", "key", redisKey, "error", err)
			tracing.SetSpanError(span, err)
		}
		return nil, false
	}
	return value, true
}

func (c *RedisCache) ForceCacheSet(ctx context.Context, key string, value interface{}, expiration time.Duration) {
	span := tracing.StartCacheSpan(ctx, "set", key)
	defer tracing.FinishSpan(span)

	if expiration <= 0 {
		expiration = ExpiryDefaultRedis
	}
	redisKey := c.key(key)

	strValue, ok := value.(string)
	if !ok {
		jsonBytes, err := json.Marshal(value)
		if err != nil {
			c.log.Errorw("failed to marshal cache value", "key", redisKey, "error", err)
			tracing.SetSpanError(span, err)
			return
		}
		strValue = string(jsonBytes)
	}

	if err := c.client.Set(ctx, redisKey, strValue, expiration).Err(); err != nil {
		c.log.Errorw("redis set failed", "key", redisKey, "error", err)
		tracing.SetSpanError(span, err)
	}
}
