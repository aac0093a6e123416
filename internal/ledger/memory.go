package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger keeps usage records in process memory. Suits tests and
// throwaway runs; durable deployments use the sqlite or postgres ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Between(ctx context.Context, from, to time.Time) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.At.Before(from) || !e.At.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (l *MemoryLedger) Totals(ctx context.Context) (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t Totals
	for _, e := range l.entries {
		t.Calls++
		t.InputTokens += int64(e.InputTokens)
		t.OutputTokens += int64(e.OutputTokens)
		t.CostUSD += e.CostUSD
	}
	return t, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
