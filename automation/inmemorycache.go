package automation

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryCandidateCache is a mutex-guarded CandidateCache.
type InMemoryCandidateCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	config  CacheConfig
}

// NewInMemoryCandidateCache creates an empty candidate cache.
func NewInMemoryCandidateCache(config CacheConfig) *InMemoryCandidateCache {
	return &InMemoryCandidateCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

func cacheKey(scopeID string, trigger TriggerType) string {
	return scopeID + "\x00" + string(trigger)
}

// Get returns cached candidates, or nil on miss or expiry. The returned
// slice is a copy; the cached rules themselves are already value copies
// owned by the cache.
func (c *InMemoryCandidateCache) Get(scopeID string, trigger TriggerType) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(scopeID, trigger)]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	out := make([]*Rule, len(entry.rules))
	copy(out, entry.rules)
	return out
}

// Set stores a candidate list, copying the slice.
func (c *InMemoryCandidateCache) Set(scopeID string, trigger TriggerType, rules []*Rule) {
	cp := make([]*Rule, len(rules))
	copy(cp, rules)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(scopeID, trigger)] = cacheEntry{rules: cp, cachedAt: time.Now()}
}

// Invalidate drops every cached list.
func (c *InMemoryCandidateCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
