package engine

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCacheMaxBytes = 100 << 20
	defaultCacheTTL      = 5 * time.Minute
)

// CacheStats is a snapshot of the result cache counters.
type CacheStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"sizeBytes"`
	MaxBytes  int64 `json:"maxBytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`

	// HitRate is hits / (hits + misses), zero before the first lookup.
	HitRate float64 `json:"hitRate"`

	// AvgLookup is the mean wall time of a Get call.
	AvgLookup time.Duration `json:"avgLookup"`
}

type cacheEntry struct {
	key      string
	value    interface{}
	size     int64
	storedAt time.Time
}

// ResultCache is a byte-bounded TTL cache for expensive read results
// (searches, analytics). Entries expire after the TTL and the oldest entries
// are evicted first when the byte budget is exceeded. Any mutation should
// invalidate the whole cache; results are snapshots of graph state.
type ResultCache struct {
	mu    sync.Mutex
	byKey map[string]*list.Element
	order *list.List // front = oldest

	size     int64
	maxBytes int64
	ttl      time.Duration

	hits       int64
	misses     int64
	evictions  int64
	lookupTime time.Duration
}

// NewResultCache creates a cache with the given byte budget and TTL. Zero
// values fall back to 100 MiB and 5 minutes.
func NewResultCache(maxBytes int64, ttl time.Duration) *ResultCache {
	if maxBytes <= 0 {
		maxBytes = defaultCacheMaxBytes
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResultCache{
		byKey:    make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		ttl:      ttl,
	}
}

// Get returns the cached value for key, or (nil, false) on miss or expiry.
func (c *ResultCache) Get(key string) (interface{}, bool) {
	start := time.Now()
	c.mu.Lock()
	defer func() {
		c.lookupTime += time.Since(start)
		c.mu.Unlock()
	}()

	elem, ok := c.byKey[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Put stores a value with its serialized size. Values larger than the whole
// budget are not cached.
func (c *ResultCache) Put(key string, value interface{}, size int64) {
	if size <= 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		c.removeLocked(elem)
	}

	for c.size+size > c.maxBytes && c.order.Len() > 0 {
		c.removeLocked(c.order.Front())
		c.evictions++
	}

	entry := &cacheEntry{key: key, value: value, size: size, storedAt: time.Now()}
	c.byKey[key] = c.order.PushBack(entry)
	c.size += size
}

// Invalidate drops every entry. Called after any mutation.
func (c *ResultCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Stats returns a snapshot of the cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Entries:   c.order.Len(),
		SizeBytes: c.size,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
		stats.AvgLookup = c.lookupTime / time.Duration(lookups)
	}
	return stats
}

func (c *ResultCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.byKey, entry.key)
	c.size -= entry.size
}
