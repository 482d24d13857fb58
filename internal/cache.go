package internal

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// cache is our private caching interface, because gocache's serves slightly
// different needs. Expiry is authoritative: a hit whose TTL has lapsed is
// never returned.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string) error
}

// edgeCache is the in-process tier, bounded and volatile.
type edgeCache struct {
	cache   *gocache.Cache[[]byte]
	metrics *cacheMetrics
}

var _ cache[[]byte] = (*edgeCache)(nil)

// NewEdgeCache creates the T1 ristretto-backed cache. maxBytes bounds the
// total payload size held in memory.
func NewEdgeCache(maxBytes int64, metrics *cacheMetrics) (*edgeCache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := ristretto_store.NewRistretto(r, store.WithSynchronousSet())
	return &edgeCache{
		cache:   gocache.New[[]byte](s),
		metrics: metrics,
	}, nil
}

func (c *edgeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, _, ok := c.GetWithTTL(ctx, key)
	return b, ok
}

func (c *edgeCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	b, ttl, err := c.cache.GetWithTTL(ctx, key)
	if err != nil || ttl <= 0 {
		c.metrics.missInc("edge")
		return nil, 0, false
	}
	c.metrics.hitInc("edge")
	return b, ttl, true
}

func (c *edgeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := c.cache.Set(ctx, key, value,
		store.WithExpiration(ttl),
		store.WithCost(int64(len(value))),
	)
	if err != nil {
		Log(ctx).Warn("problem writing edge cache", "err", err, "key", key)
	}
}

func (c *edgeCache) Delete(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}

func (c *edgeCache) Expire(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}

// memoryCache is a trivial map-backed cache for tests.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	bytes   []byte
	expires time.Time
}

var _ cache[[]byte] = (*memoryCache)(nil)

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]memoryEntry{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, _, ok := c.GetWithTTL(ctx, key)
	return b, ok
}

func (c *memoryCache) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	ttl := time.Until(e.expires)
	if ttl <= 0 {
		return nil, 0, false
	}
	return e.bytes, ttl, true
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{bytes: value, expires: time.Now().Add(ttl)}
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Expire(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}
