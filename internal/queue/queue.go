package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bookbot/internal/retry"
)

var errTaskKindRequired = errors.New("task kind required")

// Kind routes a task to the agent worker that consumes it.
type Kind string

const (
	KindSelection     Kind = "selection"
	KindSummarization Kind = "summarization"
	KindLibrarian     Kind = "librarian"
	KindQuery         Kind = "query"
)

// Task represents a unit of work shared across agents. NotBefore delays
// delivery; Attempts and MaxAttempts belong to the consumer's retry
// bookkeeping and travel with the task across requeues.
type Task struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NotBefore   time.Time `json:"not_before"`
}

type Handler func(context.Context, Task) error

// Queue exposes a minimal contract to enqueue and consume tasks. The queue
// is a transport only: a handler error is logged and the task is not
// redelivered, so consumers that want retries requeue explicitly.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Worker(ctx context.Context, kind Kind, handler Handler) error
}

// EnqueueWithRetry attempts to enqueue with retries and exponential backoff.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := q.Enqueue(ctx, task); err == nil {
			return nil
		} else if attempt == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.ExponentialBackoff(attempt, base)):
		}
	}
	return nil
}
