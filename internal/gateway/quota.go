package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"bookbot/internal/clock"
	"bookbot/internal/llm"
)

// ErrQuotaTimeout reports that a caller's maximum wait for a quota grant
// elapsed before a slot freed up.
var ErrQuotaTimeout = errors.New("gateway: timed out waiting for quota")

// QuotaWindow grants provider calls under a trailing-window cap: at most
// cap grants inside any trailing window. The cap is a hard ceiling; a
// provider-declared remaining count can only tighten it, never widen it.
type QuotaWindow struct {
	mu     sync.Mutex
	cap    int
	window time.Duration
	clock  clock.Clock
	grants []time.Time

	providerRemaining int       // -1 when the provider has declared nothing
	providerResetAt   time.Time // when the declared count stops applying
}

// QuotaSnapshot reports window occupancy for the status surface.
// ProviderRemaining is -1 when the provider has not declared a count.
type QuotaSnapshot struct {
	Cap               int     `json:"cap"`
	Used              int     `json:"used"`
	WindowSeconds     float64 `json:"window_seconds"`
	NextFreeInSeconds float64 `json:"next_free_in_seconds"`
	ProviderRemaining int     `json:"provider_remaining"`
}

// NewQuotaWindow returns a window granting at most capacity calls per
// trailing window. A capacity of zero or less leaves only the
// provider-declared limit in force. A nil clk falls back to the wall clock.
func NewQuotaWindow(capacity int, window time.Duration, clk clock.Clock) *QuotaWindow {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &QuotaWindow{
		cap:               capacity,
		window:            window,
		clock:             clk,
		providerRemaining: -1,
	}
}

// Acquire blocks until a grant is available or ctx is done. A deadline
// expiring during the wait yields ErrQuotaTimeout; other cancellation
// returns ctx.Err(). The grant is consumed at the moment Acquire returns
// nil, so callers that fail before dispatching to the provider should
// acquire as late as possible.
func (w *QuotaWindow) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.tryAcquire()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrQuotaTimeout
			}
			return ctx.Err()
		case <-w.clock.After(wait):
		}
	}
}

// tryAcquire attempts a grant; on refusal it reports how long until the
// next slot could free up.
func (w *QuotaWindow) tryAcquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.prune(now)

	if w.cap > 0 && len(w.grants) >= w.cap {
		return w.grants[0].Add(w.window).Sub(now), false
	}
	if w.providerRemaining == 0 {
		return w.providerResetAt.Sub(now), false
	}

	w.grants = append(w.grants, now)
	if w.providerRemaining > 0 {
		w.providerRemaining--
		if w.providerRemaining == 0 && w.providerResetAt.IsZero() {
			w.providerResetAt = now.Add(w.window)
		}
	}
	return 0, true
}

// SyncProvider folds a provider-declared quota into the window. The
// declaration is authoritative over the local estimate until its reset
// time passes.
func (w *QuotaWindow) SyncProvider(q llm.ProviderQuota) {
	if !q.Declared {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.providerRemaining = q.Remaining
	switch {
	case q.ResetAfter > 0:
		w.providerResetAt = now.Add(q.ResetAfter)
	case q.Remaining == 0:
		// Exhausted with no reset hint: assume one full window.
		w.providerResetAt = now.Add(w.window)
	default:
		w.providerResetAt = time.Time{}
	}
}

// Snapshot reports current occupancy.
func (w *QuotaWindow) Snapshot() QuotaSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.prune(now)

	s := QuotaSnapshot{
		Cap:               w.cap,
		Used:              len(w.grants),
		WindowSeconds:     w.window.Seconds(),
		ProviderRemaining: w.providerRemaining,
	}
	if len(w.grants) >= w.cap && len(w.grants) > 0 {
		s.NextFreeInSeconds = w.grants[0].Add(w.window).Sub(now).Seconds()
	}
	return s
}

// prune drops grants that have aged out of the trailing window. The
// provider declaration expires with its reset time.
func (w *QuotaWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
	if w.providerRemaining == 0 && !w.providerResetAt.IsZero() && !now.Before(w.providerResetAt) {
		w.providerRemaining = -1
		w.providerResetAt = time.Time{}
	}
}
