package cache

import (
	"context"
	"sync"
	"time"

	"bookbot/internal/clock"
)

// MemoryCache is an in-process TTL cache, the default for single-machine
// deployments and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache returns an empty in-memory cache reading time from clk;
// nil clk falls back to the wall clock.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   clk,
	}
}

// Get retrieves a live entry; expired entries read as misses.
func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	c.mu.RLock()
	me, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok || c.clock.Now().After(me.expiresAt) {
		return nil, nil
	}
	e := me.entry
	return &e, nil
}

// Set stores an entry and sweeps anything already expired so the map does
// not grow without bound on a long-lived process.
func (c *MemoryCache) Set(ctx context.Context, fingerprint string, e *Entry, ttl time.Duration) error {
	if e == nil {
		return nil
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, me := range c.entries {
		if now.After(me.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[fingerprint] = memoryEntry{entry: *e, expiresAt: now.Add(ttl)}
	return nil
}

// Close is a no-op for the in-memory cache.
func (c *MemoryCache) Close() error {
	return nil
}
