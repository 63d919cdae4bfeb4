package automation

import "time"

// CandidateCache caches the active-rule candidate lists the dispatcher reads
// per (scope, trigger type), so a busy event stream does not scan the store
// on every event. Implementations may be in-memory or backed by an external
// cache.
type CandidateCache interface {
	// Get returns the cached candidates for a scope and trigger type, or
	// nil on miss or expiry.
	Get(scopeID string, trigger TriggerType) []*Rule

	// Set stores a candidate list.
	Set(scopeID string, trigger TriggerType, rules []*Rule)

	// Invalidate drops every cached list. Called on any rule mutation;
	// statistics updates do not affect candidacy and do not invalidate.
	Invalidate()
}

// CacheConfig controls candidate cache behaviour.
type CacheConfig struct {
	// TTL bounds staleness. Zero disables expiry; the cache then relies on
	// mutation-driven invalidation alone.
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults used by the engine.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
