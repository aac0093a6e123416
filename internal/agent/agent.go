// Package agent coordinates the library's four agents: selection vets and
// admits documents, summarization drives the pipeline, the librarian owns
// persistence actions, and the query handler answers questions. The
// orchestrator dispatches queue tasks to agents, tracks their health, and
// keeps failed work visible instead of dropping it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"bookbot/internal/gateway"
	"bookbot/internal/index"
	"bookbot/internal/llm"
	"bookbot/internal/queue"
	"bookbot/internal/store"
)

// Kind and Task are the queue's task vocabulary; agents consume them as-is.
type (
	Kind = queue.Kind
	Task = queue.Task
)

const (
	KindSelection     = queue.KindSelection
	KindSummarization = queue.KindSummarization
	KindLibrarian     = queue.KindLibrarian
	KindQuery         = queue.KindQuery
)

// Librarian task actions.
const (
	ActionFinalize   = "finalize"
	ActionMarkFailed = "mark-failed"
	ActionDelete     = "delete"
)

// Payload is the JSON body every agent task carries.
type Payload struct {
	DocumentID uuid.UUID `json:"document_id"`
	Action     string    `json:"action,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// NewTask builds a queue task addressed to the given agent kind.
func NewTask(kind Kind, p Payload, maxAttempts int) (Task, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Task{}, fmt.Errorf("encoding task payload: %w", err)
	}
	return Task{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     body,
		MaxAttempts: maxAttempts,
	}, nil
}

func decodePayload(task Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("decoding task payload: %w", err)
	}
	if p.DocumentID == uuid.Nil {
		return Payload{}, errors.New("task payload has no document id")
	}
	return p, nil
}

// Outcome is an agent's verdict on a task. A retryable failure is requeued
// with backoff; a fatal one dead-letters the task.
type Outcome struct {
	Err       error
	Retryable bool
}

func Succeed() Outcome            { return Outcome{} }
func Retryable(err error) Outcome { return Outcome{Err: err, Retryable: true} }
func Fatal(err error) Outcome     { return Outcome{Err: err} }

func (o Outcome) Succeeded() bool { return o.Err == nil }

// Agent handles tasks of a single kind.
type Agent interface {
	Kind() Kind
	Handle(ctx context.Context, task Task) Outcome
}

// Factory builds a fresh agent instance; the watchdog uses it to replace a
// stalled agent.
type Factory func() Agent

// Completer is the slice of the gateway agents speak to.
type Completer interface {
	Complete(ctx context.Context, spec gateway.CompletionSpec) (llm.Completion, error)
}

// classify maps an error from agent work onto a task outcome. Corrupt index
// state and missing documents cannot be retried into existence; everything
// else defaults to retryable so transient provider and storage trouble gets
// its backoff budget.
func classify(err error) Outcome {
	if err == nil {
		return Succeed()
	}
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		return Fatal(err)
	case errors.Is(err, index.ErrCorrupt):
		return Fatal(err)
	case errors.As(err, &pe) && !pe.Transient:
		return Fatal(err)
	default:
		return Retryable(err)
	}
}

// decodeModelJSON parses a JSON object out of a model reply, tolerating
// markdown code fences and prose around the object.
func decodeModelJSON(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("malformed JSON in model reply: %w", err)
	}
	return nil
}
