package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookbot/internal/queue"
)

// Runner is the pipeline surface the summarization agent drives.
type Runner interface {
	Run(ctx context.Context, documentID uuid.UUID) error
}

// SummarizationAgent runs the chapter→book pipeline for a document and, on
// success, hands the result to the librarian for finalization.
type SummarizationAgent struct {
	pipeline    Runner
	queue       queue.Queue
	log         *slog.Logger
	maxAttempts int
}

func NewSummarization(pipeline Runner, q queue.Queue, log *slog.Logger, maxAttempts int) *SummarizationAgent {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &SummarizationAgent{pipeline: pipeline, queue: q, log: log, maxAttempts: maxAttempts}
}

func (a *SummarizationAgent) Kind() Kind { return KindSummarization }

func (a *SummarizationAgent) Handle(ctx context.Context, task Task) Outcome {
	payload, err := decodePayload(task)
	if err != nil {
		return Fatal(err)
	}
	if err := a.pipeline.Run(ctx, payload.DocumentID); err != nil {
		return classify(fmt.Errorf("summarizing document %s: %w", payload.DocumentID, err))
	}

	next, err := NewTask(KindLibrarian, Payload{
		DocumentID: payload.DocumentID,
		Action:     ActionFinalize,
	}, a.maxAttempts)
	if err != nil {
		return Fatal(err)
	}
	// The pipeline is idempotent and fully cached at this point, so a
	// retryable failure here costs no provider work on redelivery.
	if err := queue.EnqueueWithRetry(ctx, a.queue, next, 3, 200*time.Millisecond); err != nil {
		return Retryable(fmt.Errorf("enqueuing librarian finalize: %w", err))
	}
	return Succeed()
}
