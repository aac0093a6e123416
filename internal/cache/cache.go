package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is one cached provider response, keyed by request fingerprint.
// Token counts ride along so cache hits can report what the original call
// cost without touching the ledger.
type Entry struct {
	Payload      []byte    `json:"payload"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cache stores provider responses by fingerprint with a TTL.
type Cache interface {
	// Get retrieves a cached entry. Returns nil, nil on miss or expiry.
	Get(ctx context.Context, fingerprint string) (*Entry, error)

	// Set stores an entry under fingerprint for ttl.
	Set(ctx context.Context, fingerprint string, e *Entry, ttl time.Duration) error

	// Close closes the cache connection.
	Close() error
}

// Fingerprint derives the deterministic cache/coalescing key from the
// semantic parts of a request (call kind, template, model, content hash).
// Parts are length-delimited so distinct part lists never collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
