package resolve

import (
	"sync"
	"sync/atomic"

	"github.com/pboyd/hookstack/rt"
)

// Cache stores resolved symbols by reference key. Implementations must be
// safe for concurrent use.
type Cache interface {
	Load(key string) (rt.Symbol, bool)
	Store(key string, sym rt.Symbol)
}

// CacheStats is a snapshot of cache activity.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// MemoryCache is an in-memory Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]rt.Symbol

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates an empty in-memory cache.
func NewCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]rt.Symbol),
	}
}

// Load retrieves a cached symbol.
func (c *MemoryCache) Load(key string) (rt.Symbol, bool) {
	c.mu.RLock()
	sym, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return sym, ok
}

// Store caches sym under key. An existing entry is kept.
func (c *MemoryCache) Store(key string, sym rt.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		c.entries[key] = sym
	}
}

// Clear removes all cached entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]rt.Symbol)
}

// Size returns the number of cached entries.
func (c *MemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Stats returns hit and miss counts since the cache was created.
func (c *MemoryCache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.Size(),
	}
}
