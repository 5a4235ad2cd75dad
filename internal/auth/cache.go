package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Entries are keyed by the SHA-256 digest of the token.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	caller     *Caller
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Caller       *Caller
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get performs a non-blocking lookup. A stale entry is still returned, and
// exactly one caller is told to refresh it.
func (c *AuthCache) Get(token string) AuthCacheGetResult {
	val, ok := c.store.Load(cacheKey(token))
	if !ok {
		return AuthCacheGetResult{}
	}
	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return AuthCacheGetResult{Caller: entry.caller, Hit: true}
	}
	return AuthCacheGetResult{
		Caller:       entry.caller,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a caller with a fresh TTL.
func (c *AuthCache) Set(token string, caller *Caller) {
	c.store.Store(cacheKey(token), &cacheEntry{
		caller:    caller,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry, e.g. after a revoked key fails its refresh.
func (c *AuthCache) Delete(token string) {
	c.store.Delete(cacheKey(token))
}
