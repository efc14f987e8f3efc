package tools

import (
	"sync"
	"time"
)

// Cache is a TTL cache for fetched page content, keyed by URL. Repeated
// searches within a run often hit the same pages; caching the extracted text
// keeps the fan-out from refetching them.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	content   string
	fetchedAt time.Time
}

// NewCache creates a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached content for url if present and not expired.
// Expired entries are evicted lazily on access.
func (c *Cache) Get(url string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Since(entry.fetchedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have
		// refreshed the entry.
		if e, still := c.entries[url]; still && time.Since(e.fetchedAt) > c.ttl {
			delete(c.entries, url)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.content, true
}

// Set stores content for url, replacing any existing entry.
func (c *Cache) Set(url, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = &cacheEntry{content: content, fetchedAt: time.Now()}
}

// Size returns the number of entries, expired or not.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
