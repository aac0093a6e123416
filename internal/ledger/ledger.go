package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Call kinds recorded in the ledger.
const (
	KindCompletion = "completion"
	KindEmbedding  = "embedding"
)

// Entry is one successful provider call: what was asked, what it consumed
// and what it cost. Failed attempts are never recorded.
type Entry struct {
	ID           uuid.UUID `json:"id"`
	At           time.Time `json:"at"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Fingerprint  string    `json:"fingerprint"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Totals aggregates the ledger for reporting.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Ledger is the append-only usage record behind the gateway. Entries are
// never updated or deleted.
type Ledger interface {
	// Append records one successful call.
	Append(ctx context.Context, e Entry) error

	// Between returns entries with from <= At < to, oldest first.
	Between(ctx context.Context, from, to time.Time) ([]Entry, error)

	// Totals aggregates the whole ledger.
	Totals(ctx context.Context) (Totals, error)

	// Close closes the underlying storage.
	Close() error
}
