package svcnode

import (
	"sync"
	"time"
)

// RequestCache rate-limits per-peer requests (list sync, vote sync,
// verification) so a peer cannot re-ask before its previous request's TTL
// has elapsed. Entries are held in memory only; the cache has no backing
// store and starts empty on every restart.
type RequestCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // "peerAddr|tag" -> expiry
}

// NewRequestCache creates an empty fulfilled-request cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{entries: make(map[string]time.Time)}
}

func cacheKey(peerAddr, tag string) string {
	return peerAddr + "|" + tag
}

// Mark records that peerAddr's request tagged tag was just fulfilled,
// valid until ttl from now.
func (c *RequestCache) Mark(peerAddr, tag string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(peerAddr, tag)] = time.Now().Add(ttl)
}

// Has reports whether peerAddr has an unexpired fulfilled request for tag.
func (c *RequestCache) Has(peerAddr, tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[cacheKey(peerAddr, tag)]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.entries, cacheKey(peerAddr, tag))
		return false
	}
	return true
}

// Clear removes any cached entry for peerAddr/tag.
func (c *RequestCache) Clear(peerAddr, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(peerAddr, tag))
}

// Sweep evicts all expired entries. Intended to run on the same tick
// boundary as the registry's other periodic maintenance.
func (c *RequestCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached (possibly expired) entries. For tests
// and diagnostics.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
