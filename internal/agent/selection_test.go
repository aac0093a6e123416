package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bookbot/internal/gateway"
	"bookbot/internal/llm"
	"bookbot/internal/queue"
	"bookbot/internal/store"
)

func scoreReply(score int) func(gateway.CompletionSpec) (llm.Completion, error) {
	return func(gateway.CompletionSpec) (llm.Completion, error) {
		text := fmt.Sprintf(`{"score": %d, "reasoning": "solid", "key_topics": ["cryptography"]}`, score)
		return llm.Completion{Text: text, InputTokens: 40, OutputTokens: 20}, nil
	}
}

func summarizationTaskFor(docID uuid.UUID) any {
	return mock.MatchedBy(func(task queue.Task) bool {
		payload, err := decodePayload(task)
		return err == nil && task.Kind == queue.KindSummarization && payload.DocumentID == docID
	})
}

func TestSelectionAcceptsEverythingAtZeroThreshold(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusPending)
	completer := &fakeCompleter{}
	mq := &queue.MockQueue{}
	mq.On("Enqueue", mock.Anything, summarizationTaskFor(doc.ID)).Return(nil).Once()

	a := NewSelection(st, completer, mq, testLogger(), SelectionOptions{Model: "venice-xl"})
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

	require.NoError(t, out.Err)
	assert.Zero(t, completer.count(), "zero threshold must not spend a provider call")
	mq.AssertExpectations(t)
}

func TestSelectionSkipsDocumentsAlreadyInFlight(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusIndexed)
	completer := &fakeCompleter{}
	mq := &queue.MockQueue{}

	a := NewSelection(st, completer, mq, testLogger(), SelectionOptions{})
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

	require.NoError(t, out.Err)
	assert.Zero(t, completer.count())
	mq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestSelectionEvaluatesAgainstThreshold(t *testing.T) {
	t.Run("accepted above threshold", func(t *testing.T) {
		st := store.NewMemory()
		doc := seedDocument(t, st, store.StatusPending)
		completer := &fakeCompleter{reply: scoreReply(85)}
		mq := &queue.MockQueue{}
		mq.On("Enqueue", mock.Anything, summarizationTaskFor(doc.ID)).Return(nil).Once()

		a := NewSelection(st, completer, mq, testLogger(), SelectionOptions{Model: "venice-xl", Threshold: 70})
		out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

		require.NoError(t, out.Err)
		require.Equal(t, 1, completer.count())
		spec := completer.lastSpec()
		assert.Equal(t, TemplateBookEval, spec.Template)
		assert.Equal(t, 0.2, spec.Temperature)
		assert.Equal(t, 512, spec.MaxTokens)
		assert.Equal(t, gateway.HashText(doc.Title+"\x00"+doc.Author+"\x00"+doc.ContentHash), spec.ContentHash)
		assert.Contains(t, spec.Prompt, doc.Title)
		mq.AssertExpectations(t)
	})

	t.Run("skipped below threshold", func(t *testing.T) {
		st := store.NewMemory()
		doc := seedDocument(t, st, store.StatusPending)
		completer := &fakeCompleter{reply: scoreReply(40)}
		mq := &queue.MockQueue{}

		a := NewSelection(st, completer, mq, testLogger(), SelectionOptions{Threshold: 70})
		out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

		require.NoError(t, out.Err, "a skip is a completed task, not a failure")
		mq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)

		got, err := st.GetDocument(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, got.Status, "skipped documents stay pending")
	})
}

func TestSelectionMalformedEvaluationIsFatal(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusPending)
	completer := &fakeCompleter{reply: func(gateway.CompletionSpec) (llm.Completion, error) {
		return llm.Completion{Text: "I would rather not answer in JSON."}, nil
	}}

	a := NewSelection(st, completer, &queue.MockQueue{}, testLogger(), SelectionOptions{Threshold: 50})
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

	require.Error(t, out.Err)
	assert.False(t, out.Retryable, "a cached malformed reply replays identically, retrying is pointless")
}

func TestSelectionProviderOutageIsRetryable(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusPending)
	completer := &fakeCompleter{reply: func(gateway.CompletionSpec) (llm.Completion, error) {
		return llm.Completion{}, &llm.ProviderError{StatusCode: 503, Message: "overloaded", Transient: true}
	}}

	a := NewSelection(st, completer, &queue.MockQueue{}, testLogger(), SelectionOptions{Threshold: 50})
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

	require.Error(t, out.Err)
	assert.True(t, out.Retryable)
}

func TestSelectionMissingDocumentIsFatal(t *testing.T) {
	a := NewSelection(store.NewMemory(), &fakeCompleter{}, &queue.MockQueue{}, testLogger(), SelectionOptions{})
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: uuid.New()}))

	require.ErrorIs(t, out.Err, store.ErrDocumentNotFound)
	assert.False(t, out.Retryable)
}

func TestSelectionEnqueueFailureIsRetryable(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusPending)
	mq := &queue.MockQueue{}
	mq.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("broker down")).Times(3)

	a := NewSelection(st, &fakeCompleter{}, mq, testLogger(), SelectionOptions{})
	start := time.Now()
	out := a.Handle(context.Background(), mustTask(t, KindSelection, Payload{DocumentID: doc.ID}))

	require.Error(t, out.Err)
	assert.True(t, out.Retryable)
	assert.ErrorContains(t, out.Err, "broker down")
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond, "enqueue retries back off between attempts")
	mq.AssertExpectations(t)
}
