package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/store"
)

func seedNode(t *testing.T, st store.Store, docID uuid.UUID, level store.SummaryLevel, text string) store.SummaryNode {
	t.Helper()
	node := store.SummaryNode{
		ID:         uuid.New(),
		DocumentID: docID,
		Level:      level,
		Text:       text,
		TokenCost:  10,
	}
	node.EmbeddingRef = store.NodeRef(node.ID)
	saved, err := st.SaveSummaryNode(context.Background(), node)
	require.NoError(t, err)
	return saved
}

func TestLibrarianFinalizeRepairsMissingVectors(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusSummarizingBook)
	chapterNode := seedNode(t, st, doc.ID, store.LevelChapter, "the voyage out")
	bookNode := seedNode(t, st, doc.ID, store.LevelBook, "a book about voyages")

	// The chapter made it into the index before the crash; the book did not.
	idx := newFakeIndex(chapterNode.EmbeddingRef)

	a := NewLibrarian(st, idx, testLogger())
	out := a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: doc.ID,
		Action:     ActionFinalize,
	}))

	require.NoError(t, out.Err)
	assert.Equal(t, []string{bookNode.EmbeddingRef}, idx.upserts)

	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, got.Status)
}

func TestLibrarianFinalizeIsANoOpWhenIndexComplete(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusSummarizingBook)
	n1 := seedNode(t, st, doc.ID, store.LevelChapter, "chapter one")
	n2 := seedNode(t, st, doc.ID, store.LevelBook, "the whole book")
	idx := newFakeIndex(n1.EmbeddingRef, n2.EmbeddingRef)

	a := NewLibrarian(st, idx, testLogger())
	out := a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: doc.ID,
		Action:     ActionFinalize,
	}))

	require.NoError(t, out.Err)
	assert.Empty(t, idx.upserts)

	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, got.Status)
}

func TestLibrarianFinalizeRequiresSummaryNodes(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusSummarizingBook)

	a := NewLibrarian(st, newFakeIndex(), testLogger())
	out := a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: doc.ID,
		Action:     ActionFinalize,
	}))

	require.ErrorContains(t, out.Err, "no summary nodes")
	assert.True(t, out.Retryable, "summarization may still be catching up")
}

func TestLibrarianMarksDocumentFailed(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusSummarizingChapters)

	a := NewLibrarian(st, newFakeIndex(), testLogger())
	out := a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: doc.ID,
		Action:     ActionMarkFailed,
		Reason:     "provider quota exhausted",
	}))

	require.NoError(t, out.Err)
	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	// Marking an already-deleted document failed is not an error.
	out = a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: uuid.New(),
		Action:     ActionMarkFailed,
	}))
	require.NoError(t, out.Err)
}

func TestLibrarianDeleteIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	doc := seedDocument(t, st, store.StatusIndexed)
	seedNode(t, st, doc.ID, store.LevelBook, "soon gone")
	idx := newFakeIndex()

	a := NewLibrarian(st, idx, testLogger())
	task := mustTask(t, KindLibrarian, Payload{DocumentID: doc.ID, Action: ActionDelete})

	out := a.Handle(context.Background(), task)
	require.NoError(t, out.Err)
	assert.Equal(t, []uuid.UUID{doc.ID}, idx.deleted)

	_, err := st.GetDocument(context.Background(), doc.ID)
	require.ErrorIs(t, err, store.ErrDocumentNotFound)

	// Redelivery of the same task succeeds again.
	out = a.Handle(context.Background(), task)
	require.NoError(t, out.Err)
}

func TestLibrarianRejectsUnknownAction(t *testing.T) {
	a := NewLibrarian(store.NewMemory(), newFakeIndex(), testLogger())
	out := a.Handle(context.Background(), mustTask(t, KindLibrarian, Payload{
		DocumentID: uuid.New(),
		Action:     "shelve",
	}))

	require.ErrorContains(t, out.Err, "unknown librarian action")
	assert.False(t, out.Retryable)
}
