package authz

import (
	"sync"
	"time"
)

const maxCacheEntries = 10000

type cacheEntry struct {
	roles     map[string]struct{}
	fetchedAt time.Time
}

// rolesCache holds per-user active role sets with a bounded TTL. It is owned
// exclusively by the Evaluator; invalidation is driven synchronously by
// ledger appends. Each user carries a generation counter bumped on
// invalidation so a fill computed before an append cannot be written back
// after the append's invalidation ran.
type rolesCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	ttl     time.Duration
	now     func() time.Time
}

func newRolesCache(ttl time.Duration, now func() time.Time) *rolesCache {
	return &rolesCache{
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     now,
	}
}

func (c *rolesCache) get(userID string) (map[string]struct{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.roles, true
}

// generation returns the user's current invalidation generation. Callers
// snapshot it before computing roles and pass it to set.
func (c *rolesCache) generation(userID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[userID]
}

// set stores a freshly computed role set. The write is dropped if the user
// was invalidated after gen was taken; the stale set must not shadow the
// append that bumped the generation.
func (c *rolesCache) set(userID string, roles map[string]struct{}, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[userID] != gen {
		return
	}
	if len(c.entries) >= maxCacheEntries {
		c.evictExpiredLocked()
	}
	if len(c.entries) >= maxCacheEntries {
		return // still full of live entries; skip rather than grow unbounded
	}
	c.entries[userID] = cacheEntry{roles: roles, fetchedAt: c.now()}
}

func (c *rolesCache) invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.gens[userID]++
	c.mu.Unlock()
}

func (c *rolesCache) evictExpiredLocked() {
	now := c.now()
	for k, v := range c.entries {
		if now.Sub(v.fetchedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
