package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bookbot/internal/clock"
	"bookbot/internal/logger"
)

func newTestQueue(clk clock.Clock) *MemoryQueue {
	return NewMemory(logger.NewWithWriter("error", io.Discard), clk)
}

func TestMemoryQueueDeliversByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(nil)

	handled := make(chan Task, 1)
	go func() {
		_ = q.Worker(ctx, KindSelection, func(_ context.Context, task Task) error {
			handled <- task
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindLibrarian, Payload: []byte("other")}))
	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindSelection, Payload: []byte("mine")}))

	select {
	case task := <-handled:
		assert.Equal(t, KindSelection, task.Kind)
		assert.Equal(t, []byte("mine"), task.Payload)
		assert.NotEqual(t, uuid.Nil, task.ID, "enqueue assigns an id")
	case <-time.After(time.Second):
		t.Fatal("worker never received the task")
	}

	select {
	case task := <-handled:
		t.Fatalf("selection worker received a %s task", task.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryQueueHonorsNotBefore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := newTestQueue(clk)

	task := Task{Kind: KindSummarization, NotBefore: clk.Now().Add(30 * time.Second)}
	require.NoError(t, q.Enqueue(ctx, task))

	handled := make(chan Task, 1)
	go func() {
		_ = q.Worker(ctx, KindSummarization, func(_ context.Context, task Task) error {
			handled <- task
			return nil
		})
	}()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 },
		time.Second, time.Millisecond, "worker should park until the task is due")
	select {
	case <-handled:
		t.Fatal("task delivered before its schedule")
	default:
	}

	clk.Advance(30 * time.Second)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("task not delivered after the delay elapsed")
	}
}

func TestMemoryQueueWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newTestQueue(nil)

	done := make(chan error, 1)
	go func() {
		done <- q.Worker(ctx, KindQuery, func(context.Context, Task) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestMemoryQueueRejectsMissingKind(t *testing.T) {
	q := newTestQueue(nil)
	err := q.Enqueue(context.Background(), Task{Payload: []byte("x")})
	require.Error(t, err)
}

func TestEnqueueWithRetryRecovers(t *testing.T) {
	q := new(MockQueue)
	q.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("broker down")).Twice()
	q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()

	task := Task{Kind: KindLibrarian}
	err := EnqueueWithRetry(context.Background(), q, task, 3, time.Millisecond)
	require.NoError(t, err)
	q.AssertExpectations(t)
}

func TestEnqueueWithRetryGivesUp(t *testing.T) {
	q := new(MockQueue)
	q.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("broker down")).Times(3)

	err := EnqueueWithRetry(context.Background(), q, Task{Kind: KindLibrarian}, 3, time.Millisecond)
	require.ErrorContains(t, err, "broker down")
	q.AssertExpectations(t)
}
