package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testEntry(at time.Time, in, out int, cost float64) Entry {
	return Entry{
		ID:           uuid.New(),
		At:           at,
		Kind:         KindCompletion,
		Model:        "venice-xl",
		Fingerprint:  "fp-" + at.Format("150405"),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
	}
}

func runLedgerSuite(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		testEntry(base, 100, 50, 0.00021),
		testEntry(base.Add(1*time.Minute), 200, 80, 0.00036),
		testEntry(base.Add(2*time.Minute), 300, 10, 0.00024),
	}
	for _, e := range entries {
		if err := l.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Half-open range: includes the first two, excludes the third.
	got, err := l.Between(ctx, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Between returned %d entries, want 2", len(got))
	}
	if !got[0].At.Before(got[1].At) {
		t.Error("entries not ordered oldest first")
	}
	if got[0].InputTokens != 100 || got[1].InputTokens != 200 {
		t.Errorf("unexpected entries: %+v", got)
	}

	totals, err := l.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Calls != 3 {
		t.Errorf("Calls = %d, want 3", totals.Calls)
	}
	if totals.InputTokens != 600 {
		t.Errorf("InputTokens = %d, want 600", totals.InputTokens)
	}
	if totals.OutputTokens != 140 {
		t.Errorf("OutputTokens = %d, want 140", totals.OutputTokens)
	}
	if diff := totals.CostUSD - 0.00081; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD = %v, want 0.00081", totals.CostUSD)
	}

	// Outside any recorded range.
	got, err = l.Between(ctx, base.Add(-time.Hour), base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty range, got %d entries", len(got))
	}
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, NewMemoryLedger())
}

func TestSQLiteLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer l.Close()

	runLedgerSuite(t, l)
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := l.Append(ctx, testEntry(at, 10, 5, 0.0001)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	totals, err := reopened.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Calls != 1 || totals.InputTokens != 10 {
		t.Errorf("totals after reopen = %+v, want 1 call / 10 input tokens", totals)
	}
}
