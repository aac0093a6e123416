package resource

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/logger"
)

func newTestTracker(budgetMB int) *Tracker {
	return NewTracker(budgetMB, logger.NewWithWriter("error", io.Discard))
}

func TestTrackerLeasesWithinBudget(t *testing.T) {
	tr := newTestTracker(4096)

	release1, err := tr.Acquire("task:summarization", 2048)
	require.NoError(t, err)
	release2, err := tr.Acquire("task:selection", 2048)
	require.NoError(t, err)

	used, budget := tr.Usage()
	assert.Equal(t, 4096, used)
	assert.Equal(t, 4096, budget)

	_, err = tr.Acquire("task:librarian", 1)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	release1()
	used, _ = tr.Usage()
	assert.Equal(t, 2048, used)

	release3, err := tr.Acquire("task:librarian", 1024)
	require.NoError(t, err)
	release2()
	release3()
	used, _ = tr.Usage()
	assert.Equal(t, 0, used)
}

func TestTrackerReleaseIsIdempotent(t *testing.T) {
	tr := newTestTracker(1024)

	release, err := tr.Acquire("task:query", 512)
	require.NoError(t, err)
	release()
	release()

	used, _ := tr.Usage()
	assert.Equal(t, 0, used)
}

func TestTrackerRejectsInvalidLease(t *testing.T) {
	tr := newTestTracker(1024)
	_, err := tr.Acquire("bad", 0)
	require.Error(t, err)
	_, err = tr.Acquire("bad", -5)
	require.Error(t, err)
}

func TestTrackerCloseWithOutstandingLease(t *testing.T) {
	tr := newTestTracker(1024)
	_, err := tr.Acquire("task:selection", 256)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}
