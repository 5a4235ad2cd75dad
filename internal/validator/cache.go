package validator

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultCacheEntries = 10000

// VerdictCache is a TTL-bounded in-memory cache of verdicts keyed by SQL text.
// Uses sync.Map for lock-free reads on the hot path.
type VerdictCache struct {
	store      sync.Map // map[string]*verdictCacheEntry
	ttl        time.Duration
	maxEntries int64
	size       atomic.Int64
}

type verdictCacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// NewVerdictCache creates a cache with the given TTL. Once maxEntries is
// reached new verdicts are not stored until expired entries are swept.
func NewVerdictCache(ttl time.Duration, maxEntries int) *VerdictCache {
	return &VerdictCache{ttl: ttl, maxEntries: int64(maxEntries)}
}

func cacheKey(sql, tenantID string, scoped bool) string {
	if !scoped {
		return sql
	}
	return sql + "\x00" + tenantID
}

// Get returns a fresh verdict for key. Expired entries are removed.
func (c *VerdictCache) Get(key string) (Verdict, bool) {
	val, ok := c.store.Load(key)
	if !ok {
		return Verdict{}, false
	}
	entry := val.(*verdictCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.verdict, true
	}
	if c.store.CompareAndDelete(key, val) {
		c.size.Add(-1)
	}
	return Verdict{}, false
}

// Set stores a verdict with a fresh TTL.
func (c *VerdictCache) Set(key string, verdict Verdict) {
	if c.maxEntries > 0 && c.size.Load() >= c.maxEntries {
		if _, exists := c.store.Load(key); !exists {
			c.sweep()
			if c.size.Load() >= c.maxEntries {
				return
			}
		}
	}
	entry := &verdictCacheEntry{verdict: verdict, expiresAt: time.Now().Add(c.ttl)}
	if _, loaded := c.store.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
}

// Len returns the number of stored entries, fresh or expired.
func (c *VerdictCache) Len() int {
	return int(c.size.Load())
}

func (c *VerdictCache) sweep() {
	now := time.Now()
	c.store.Range(func(key, val any) bool {
		if !now.Before(val.(*verdictCacheEntry).expiresAt) {
			if c.store.CompareAndDelete(key, val) {
				c.size.Add(-1)
			}
		}
		return true
	})
}
