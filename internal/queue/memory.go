package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"bookbot/internal/clock"
)

const defaultBuffer = 256

// NewMemory constructs the embedded in-process queue: one buffered channel
// per task kind. Delivery honors Task.NotBefore against the supplied clock.
func NewMemory(log *slog.Logger, clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &MemoryQueue{
		log:      log,
		clock:    clk,
		channels: make(map[Kind]chan Task),
	}
}

type MemoryQueue struct {
	log   *slog.Logger
	clock clock.Clock

	mu       sync.Mutex
	channels map[Kind]chan Task
}

func (q *MemoryQueue) channel(kind Kind) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[kind]
	if !ok {
		ch = make(chan Task, defaultBuffer)
		q.channels[kind] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Kind == "" {
		return errTaskKindRequired
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.channel(task.Kind) <- task:
		return nil
	}
}

func (q *MemoryQueue) Worker(ctx context.Context, kind Kind, handler Handler) error {
	ch := q.channel(kind)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-ch:
			if wait := task.NotBefore.Sub(q.clock.Now()); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-q.clock.After(wait):
				}
			}
			if err := handler(ctx, task); err != nil {
				q.log.Error("task handler failed", "id", task.ID, "kind", task.Kind, "err", err)
			}
		}
	}
}
