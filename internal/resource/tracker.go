// Package resource guards a fixed process-wide memory budget. Agents lease a
// slice of the budget for the duration of a task and release it when done;
// Acquire fails fast instead of blocking so callers can reschedule.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrBudgetExceeded = errors.New("resource: memory budget exceeded")

type Tracker struct {
	log *slog.Logger

	mu       sync.Mutex
	budgetMB int
	usedMB   int
	nextID   int
	holds    map[int]hold
}

type hold struct {
	name string
	mb   int
}

func NewTracker(budgetMB int, log *slog.Logger) *Tracker {
	return &Tracker{
		log:      log,
		budgetMB: budgetMB,
		holds:    make(map[int]hold),
	}
}

// Acquire leases mb megabytes under the given name. The returned release
// func is idempotent.
func (t *Tracker) Acquire(name string, mb int) (func(), error) {
	if mb <= 0 {
		return nil, fmt.Errorf("resource: invalid lease size %d MB", mb)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.usedMB+mb > t.budgetMB {
		t.log.Warn("memory lease rejected",
			"name", name, "requested_mb", mb, "used_mb", t.usedMB, "budget_mb", t.budgetMB)
		return nil, fmt.Errorf("%w: %s wants %d MB, %d of %d MB in use",
			ErrBudgetExceeded, name, mb, t.usedMB, t.budgetMB)
	}
	t.usedMB += mb
	id := t.nextID
	t.nextID++
	t.holds[id] = hold{name: name, mb: mb}

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.holds, id)
			t.usedMB -= mb
		})
	}
	return release, nil
}

// Usage reports leased and total megabytes.
func (t *Tracker) Usage() (usedMB, budgetMB int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedMB, t.budgetMB
}

// Close logs any leases still outstanding at shutdown.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.holds {
		t.log.Warn("memory lease leaked at shutdown", "name", h.name, "mb", h.mb)
	}
	return nil
}
