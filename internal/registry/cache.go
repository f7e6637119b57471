// ABOUTME: TTL read-through cache for resolved tool names.
// ABOUTME: Bounds repeated FQN lookups on the hot tools/call path.

package registry

import (
	"sync"
	"time"

	"github.com/2389/nova-gateway/internal/store"
)

const (
	resolveCacheTTL     = 30 * time.Second
	resolveCacheMaxSize = 4096
)

type cacheEntry struct {
	plugin  *store.Plugin
	expires time.Time
}

// resolveCache memoizes FQN -> plugin lookups. Entries are invalidated on
// any write touching the lineage, so a hit is at most TTL stale and only
// when written through another process.
type resolveCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResolveCache() *resolveCache {
	return &resolveCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *resolveCache) get(key string) (*store.Plugin, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return entry.plugin, true
}

func (c *resolveCache) put(key string, p *store.Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= resolveCacheMaxSize {
		// Wholesale reset is cheaper than tracking recency for a cache
		// this small.
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[key] = cacheEntry{plugin: p, expires: c.now().Add(resolveCacheTTL)}
}

func (c *resolveCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
