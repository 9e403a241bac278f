// Package cache provides the SWR (stale-while-revalidate) cache
// abstraction the entitlement engine sits on top of, with
// interchangeable in-memory and Redis backends.
package cache

import (
	"context"
	"time"
)

// Cache is the storage-agnostic interface every call site programs
// against. RedisCache's Get and Set honor Cache.Enabled from
// configuration and ForceCacheGet/ForceCacheSet bypass that check;
// RedisCache.Delete and the in-memory cache ignore Cache.Enabled.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
	Flush(ctx context.Context)
	ForceCacheGet(ctx context.Context, key string) (interface{}, bool)
	ForceCacheSet(ctx context.Context, key string, value interface{}, expiration time.Duration)
}
