package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cartscout/backend/internal/domain"
)

const bucketCount = 16

// cacheItem represents a single item in the cache with expiration
type cacheItem struct {
	Items      []domain.ProductRecord
	Expiration time.Time
}

type bucket struct {
	mutex sync.RWMutex
	data  map[string]cacheItem
}

// MemoryCache is a process-wide result cache with TTL support.
// Keys are spread over independently locked buckets; expiry is checked on read.
type MemoryCache struct {
	buckets [bucketCount]*bucket
	now     func() time.Time
}

// Option configures a MemoryCache
type Option func(*MemoryCache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(opts ...Option) *MemoryCache {
	c := &MemoryCache{now: time.Now}
	for i := range c.buckets {
		c.buckets[i] = &bucket{data: make(map[string]cacheItem)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for a source and query.
// Format: "{source_id}:{query_hash}"
func Key(sourceID string, query domain.Query) string {
	return sourceID + ":" + query.Hash()
}

func (c *MemoryCache) bucketFor(key string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.buckets[h.Sum32()%bucketCount]
}

// Get returns the cached items for a source and query, or ErrCacheMiss.
func (c *MemoryCache) Get(ctx context.Context, sourceID string, query domain.Query) ([]domain.ProductRecord, error) {
	key := Key(sourceID, query)
	b := c.bucketFor(key)

	b.mutex.RLock()
	item, exists := b.data[key]
	b.mutex.RUnlock()

	if !exists {
		return nil, domain.ErrCacheMiss
	}

	if !c.now().Before(item.Expiration) {
		b.mutex.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if cur, ok := b.data[key]; ok && !c.now().Before(cur.Expiration) {
			delete(b.data, key)
		}
		b.mutex.Unlock()
		return nil, domain.ErrCacheMiss
	}

	return cloneRecords(item.Items), nil
}

// Put stores items for a source and query. Concurrent writers to one key: last write wins.
func (c *MemoryCache) Put(ctx context.Context, sourceID string, query domain.Query, items []domain.ProductRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	key := Key(sourceID, query)
	b := c.bucketFor(key)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data[key] = cacheItem{
		Items:      cloneRecords(items),
		Expiration: c.now().Add(ttl),
	}
	return nil
}

// Flush removes all items from the cache
func (c *MemoryCache) Flush(ctx context.Context) error {
	for _, b := range c.buckets {
		b.mutex.Lock()
		b.data = make(map[string]cacheItem)
		b.mutex.Unlock()
	}
	return nil
}

// Size returns the number of stored entries, expired ones included until they are read.
func (c *MemoryCache) Size() int {
	n := 0
	for _, b := range c.buckets {
		b.mutex.RLock()
		n += len(b.data)
		b.mutex.RUnlock()
	}
	return n
}

func cloneRecords(in []domain.ProductRecord) []domain.ProductRecord {
	out := make([]domain.ProductRecord, len(in))
	for i, r := range in {
		out[i] = r
		if r.Rating != nil {
			out[i].Rating = domain.Float(*r.Rating)
		}
	}
	return out
}
