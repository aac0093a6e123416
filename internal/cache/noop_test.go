package cache

import (
	"context"
	"testing"
	"time"
)

// TestNoOpCache verifies that NoOpCache implements the Cache interface correctly
func TestNoOpCache(t *testing.T) {
	c := NewNoOpCache()
	ctx := context.Background()

	// Get - should always return nil (cache miss)
	entry, err := c.Get(ctx, "fp")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if entry != nil {
		t.Errorf("Expected nil entry (cache miss), got %v", entry)
	}

	// Set - should succeed silently
	err = c.Set(ctx, "fp", &Entry{Payload: []byte("response")}, 1*time.Hour)
	if err != nil {
		t.Errorf("Expected no error on Set, got %v", err)
	}

	// Verify it still returns nil (nothing was actually cached)
	entry, err = c.Get(ctx, "fp")
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if entry != nil {
		t.Errorf("Expected nil entry (no-op cache doesn't store), got %v", entry)
	}

	// Close - should succeed silently
	if err := c.Close(); err != nil {
		t.Errorf("Expected no error on Close, got %v", err)
	}
}
