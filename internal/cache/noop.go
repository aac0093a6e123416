package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing.
// Selected with CACHE_PROVIDER=none when an operator wants every provider
// call issued fresh - all operations succeed but reads always miss.
type NoOpCache struct{}

// NewNoOpCache creates a new no-op cache instance
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Get always returns nil (cache miss)
func (c *NoOpCache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	return nil, nil
}

// Set does nothing and always succeeds
func (c *NoOpCache) Set(ctx context.Context, fingerprint string, e *Entry, ttl time.Duration) error {
	return nil
}

// Close does nothing and always succeeds
func (c *NoOpCache) Close() error {
	return nil
}
