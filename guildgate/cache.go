package guildgate

import (
	"log/slog"
	"sync"
	"time"
)

// cacheEntry is a process-local snapshot of a persisted entitlement
// record. An entry older than its TTL is treated as absent, never
// served stale.
type cacheEntry struct {
	tenantID  GuildID
	record    *EntitlementRecord
	fetchedAt time.Time
	ttl       time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.fetchedAt) > e.ttl
}

// EntitlementCache is the shared in-memory cache of guild entitlement
// records. It is a pure memory structure: it never performs I/O, and
// never fetches on a miss - that's the evaluator's job.
type EntitlementCache struct {
	mu      sync.RWMutex
	entries map[GuildID]cacheEntry
	clock   func() time.Time
}

func NewEntitlementCache() *EntitlementCache {
	return &EntitlementCache{
		entries: map[GuildID]cacheEntry{},
		clock:   time.Now,
	}
}

// Get returns the cached record for the given guild, or false on a
// miss. An expired entry is a miss.
func (c *EntitlementCache) Get(tenantID GuildID) (*EntitlementRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[tenantID]
	if !ok || entry.expired(c.clock()) {
		return nil, false
	}
	return entry.record, true
}

// Put stores a record snapshot with the given TTL.
func (c *EntitlementCache) Put(
	tenantID GuildID,
	record *EntitlementRecord,
	ttl time.Duration,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = cacheEntry{
		tenantID:  tenantID,
		record:    record,
		fetchedAt: c.clock(),
		ttl:       ttl,
	}
}

// Invalidate removes a guild's entry, forcing the next Get to miss.
// Invalidating an absent guild is a no-op.
func (c *EntitlementCache) Invalidate(tenantID GuildID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// Len returns the number of entries, expired or not.
func (c *EntitlementCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were dropped.
// Expired entries are already invisible to Get; this just reclaims
// memory for guilds that went quiet.
func (c *EntitlementCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	var dropped int
	for id, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

func (c *EntitlementCache) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("entries", c.Len()))
}
