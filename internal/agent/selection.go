package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookbot/internal/gateway"
	"bookbot/internal/queue"
	"bookbot/internal/store"
)

// TemplateBookEval keys the selection evaluation in the completion cache.
const TemplateBookEval = "book-eval"

const evalSystem = "You curate a personal research library. Judge books strictly and answer in JSON."

// SelectionOptions tunes the selection agent. A zero Threshold accepts every
// document without a provider call.
type SelectionOptions struct {
	Model       string
	Threshold   int
	MaxTokens   int
	MaxAttempts int
}

// SelectionAgent admits documents into the pipeline. Documents that are
// already past pending are treated as done (ingest dedup happens at the
// store's content-hash constraint; this guard covers redelivered tasks).
type SelectionAgent struct {
	store store.Store
	llm   Completer
	queue queue.Queue
	log   *slog.Logger
	opts  SelectionOptions
}

func NewSelection(st store.Store, completer Completer, q queue.Queue, log *slog.Logger, opts SelectionOptions) *SelectionAgent {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &SelectionAgent{store: st, llm: completer, queue: q, log: log, opts: opts}
}

func (a *SelectionAgent) Kind() Kind { return KindSelection }

type evaluation struct {
	Score     int      `json:"score"`
	Reasoning string   `json:"reasoning"`
	KeyTopics []string `json:"key_topics"`
}

func (a *SelectionAgent) Handle(ctx context.Context, task Task) Outcome {
	payload, err := decodePayload(task)
	if err != nil {
		return Fatal(err)
	}
	doc, err := a.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return classify(err)
	}
	if doc.Status != store.StatusPending {
		a.log.Info("document already in flight, selection is a no-op",
			"document_id", doc.ID, "status", doc.Status)
		return Succeed()
	}

	if a.opts.Threshold > 0 {
		accepted, outcome := a.evaluate(ctx, doc)
		if !outcome.Succeeded() {
			return outcome
		}
		if !accepted {
			return Succeed()
		}
	}

	next, err := NewTask(KindSummarization, Payload{DocumentID: doc.ID}, a.opts.MaxAttempts)
	if err != nil {
		return Fatal(err)
	}
	if err := queue.EnqueueWithRetry(ctx, a.queue, next, 3, 200*time.Millisecond); err != nil {
		return Retryable(fmt.Errorf("enqueuing summarization: %w", err))
	}
	a.log.Info("document accepted for summarization", "document_id", doc.ID, "title", doc.Title)
	return Succeed()
}

// evaluate asks the model to score the book. A below-threshold score leaves
// the document pending and reports the task done.
func (a *SelectionAgent) evaluate(ctx context.Context, doc store.Document) (bool, Outcome) {
	comp, err := a.llm.Complete(ctx, gateway.CompletionSpec{
		Template:    TemplateBookEval,
		System:      evalSystem,
		Prompt:      evalPrompt(doc),
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: 0.2,
		ContentHash: gateway.HashText(doc.Title + "\x00" + doc.Author + "\x00" + doc.ContentHash),
	})
	if err != nil {
		return false, classify(fmt.Errorf("evaluating document: %w", err))
	}

	var eval evaluation
	if err := decodeModelJSON(comp.Text, &eval); err != nil {
		// The same fingerprint would serve the same malformed reply from
		// cache, so retrying cannot help.
		return false, Fatal(fmt.Errorf("selection evaluation: %w", err))
	}
	if eval.Score < a.opts.Threshold {
		a.log.Info("document skipped by selection",
			"document_id", doc.ID, "title", doc.Title,
			"score", eval.Score, "threshold", a.opts.Threshold, "reasoning", eval.Reasoning)
		return false, Succeed()
	}
	a.log.Info("document passed selection",
		"document_id", doc.ID, "score", eval.Score, "key_topics", eval.KeyTopics)
	return true, Succeed()
}

func evalPrompt(doc store.Document) string {
	return fmt.Sprintf(`Evaluate this book for inclusion in a personal research library:
Title: %s
Author: %s
Chapters: %d

Consider:
1. Relevance to the library's research focus
2. Technical depth and accuracy
3. Author expertise

Provide evaluation as JSON with fields:
- score (0-100)
- reasoning (string)
- key_topics (list of strings)`, doc.Title, authorOrUnknown(doc.Author), doc.ChapterCount)
}

func authorOrUnknown(author string) string {
	if author == "" {
		return "Unknown"
	}
	return author
}
