package cache

import (
	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/redis"
)

// Initialize constructs the Cache implementation selected by
// config.Cache.Type, falling back to in-memory when redis is
// configured but no client was supplied.
func Initialize(cfg *config.Configuration, log *logger.Logger, redisClient *redis.Client) Cache {
	log.Infow("initializing cache system", "type", cfg.Cache.Type)

	var c Cache
	switch cfg.Cache.Type {
	case config.CacheBackendRedis:
		if redisClient == nil {
			log.Error("redis client is nil, falling back to in-memory cache")
			c = GetInMemoryCache()
		} else {
			c = NewRedisCache(redisClient, cfg, log)
		}
	case config.CacheBackendInMemory:
		fallthrough
	default:
		c = GetInMemoryCache()
	}

	log.Infow("cache system initialized", "type", cfg.Cache.Type)
	return c
}
