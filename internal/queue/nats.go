package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"bookbot/internal/clock"
)

// NewNATS constructs a thin NATS-based queue. Tasks for a kind publish to
// "tasks.<kind>" and workers join the "workers-<kind>" queue group so a task
// is delivered to one worker per group.
func NewNATS(log *slog.Logger, nc *nats.Conn, clk clock.Clock) Queue {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &natsQueue{log: log, nc: nc, clock: clk}
}

type natsQueue struct {
	log   *slog.Logger
	nc    *nats.Conn
	clock clock.Clock
}

func (q *natsQueue) Enqueue(_ context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Kind == "" {
		return errTaskKindRequired
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.nc.Publish("tasks."+string(task.Kind), body)
}

func (q *natsQueue) Worker(ctx context.Context, kind Kind, handler Handler) error {
	subject := "tasks." + string(kind)
	group := "workers-" + string(kind)
	sub, err := q.nc.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		q.handleMessage(ctx, msg, handler)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *natsQueue) handleMessage(ctx context.Context, msg *nats.Msg, handler Handler) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.Error("failed to decode task", "err", err)
		return
	}

	if wait := task.NotBefore.Sub(q.clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(wait):
		}
	}

	if err := handler(ctx, task); err != nil {
		q.log.Error("task handler failed", "id", task.ID, "kind", task.Kind, "err", err)
	}
}
