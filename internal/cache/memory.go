package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flowbill/entitlements/internal/logger"
)

// InMemoryCache implements Cache on top of patrickmn/go-cache, which
// gives us O(1) TTL sweeps instead of a hand-rolled expiry goroutine.
// DeleteByPrefix additionally tracks keys in a prefix index since
// go-cache has no native prefix scan.
type InMemoryCache struct {
	store *gocache.Cache
	log   *logger.Logger

	mu   sync.RWMutex
	keys map[string]struct{}
}

var (
	inMemoryCache     *InMemoryCache
	inMemoryCacheOnce sync.Once
)

// InitializeInMemoryCache constructs the process-wide in-memory cache
// instance, idempotently.
func InitializeInMemoryCache() {
	inMemoryCacheOnce.Do(func() {
		inMemoryCache = &InMemoryCache{
			store: gocache.New(ExpiryDefaultInMemory, ExpiryDefaultInMemory/2),
			log:   logger.GetLogger(),
			keys:  make(map[string]struct{}),
		}
		inMemoryCache.store.OnEvicted(func(key string, _ interface{}) {
			inMemoryCache.mu.Lock()
			delete(inMemoryCache.keys, key)
			inMemoryCache.mu.Unlock()
		})
	})
}

// GetInMemoryCache returns the process-wide in-memory cache, creating
// it on first use.
func GetInMemoryCache() *InMemoryCache {
	InitializeInMemoryCache()
	return inMemoryCache
}

func (c *InMemoryCache) Get(_ context.Context, key string) (interface{}, bool) {
	return c.store.Get(key)
}

func (c *InMemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) {
	if expiration <= 0 {
		expiration = ExpiryDefaultInMemory
	}
	c.store.Set(key, value, expiration)
	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()
}

func (c *InMemoryCache) Delete(_ context.Context, key string) {
	c.store.Delete(key)
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}

func (c *InMemoryCache) DeleteByPrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.keys {
		if strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
			delete(c.keys, key)
		}
	}
}

func (c *InMemoryCache) Flush(_ context.Context) {
	c.store.Flush()
	c.mu.Lock()
	c.keys = make(map[string]struct{})
	c.mu.Unlock()
}

// ForceCacheGet/ForceCacheSet are identical to Get/Set for the
// in-memory backend: there is no "disabled" short-circuit to bypass.
func (c *InMemoryCache) ForceCacheGet(ctx context.Context, key string) (interface{}, bool) {
	return c.Get(ctx, key)
}

func (c *InMemoryCache) ForceCacheSet(ctx context.Context, key string, value interface{}, expiration time.Duration) {
	c.Set(ctx, key, value, expiration)
}
