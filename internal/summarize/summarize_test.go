package summarize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/gateway"
	"bookbot/internal/llm"
	"bookbot/internal/logger"
	"bookbot/internal/store"
)

type fakeCompleter struct {
	mu    sync.Mutex
	calls []gateway.CompletionSpec
	fail  func(n int, spec gateway.CompletionSpec) error
	reply func(spec gateway.CompletionSpec) string
}

func (f *fakeCompleter) Complete(ctx context.Context, spec gateway.CompletionSpec) (llm.Completion, error) {
	if ctx.Err() != nil {
		return llm.Completion{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec)
	if f.fail != nil {
		if err := f.fail(len(f.calls), spec); err != nil {
			return llm.Completion{}, err
		}
	}
	text := "condensed: " + spec.Template
	if f.reply != nil {
		text = f.reply(spec)
	}
	return llm.Completion{Text: text, InputTokens: 100, OutputTokens: 20}, nil
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) countTemplate(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, spec := range f.calls {
		if spec.Template == name {
			n++
		}
	}
	return n
}

func (f *fakeCompleter) specsFor(name string) []gateway.CompletionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.CompletionSpec
	for _, spec := range f.calls {
		if spec.Template == name {
			out = append(out, spec)
		}
	}
	return out
}

type indexed struct {
	documentID uuid.UUID
	kind       string
	text       string
}

type fakeIndexer struct {
	mu   sync.Mutex
	refs map[string]indexed
	err  error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{refs: make(map[string]indexed)}
}

func (f *fakeIndexer) Upsert(ctx context.Context, ref string, documentID uuid.UUID, kind, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.refs[ref] = indexed{documentID: documentID, kind: kind, text: text}
	return ref, nil
}

func (f *fakeIndexer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

func seedDocument(t *testing.T, st store.Store, texts ...string) (store.Document, []store.Chapter) {
	t.Helper()
	ctx := context.Background()
	doc, err := st.CreateDocument(ctx, store.Document{
		Title:        "Moby-Dick",
		Author:       "Herman Melville",
		ContentHash:  gateway.HashText(strings.Join(texts, "\x00")),
		ChapterCount: len(texts),
	})
	require.NoError(t, err)

	chapters := make([]store.Chapter, 0, len(texts))
	for i, text := range texts {
		chapters = append(chapters, store.Chapter{
			Position: i,
			Title:    fmt.Sprintf("Chapter %d", i+1),
			Text:     text,
		})
	}
	saved, err := st.SaveChapters(ctx, doc.ID, chapters)
	require.NoError(t, err)
	return doc, saved
}

func newTestPipeline(st store.Store, completer *fakeCompleter, indexer *fakeIndexer, opts Options) *Pipeline {
	if opts.Model == "" {
		opts.Model = "venice-xl"
	}
	return New(st, completer, indexer, logger.NewWithWriter("error", io.Discard), opts)
}

func TestPipelineSummarizesChaptersThenBook(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	completer := &fakeCompleter{}
	indexer := newFakeIndexer()
	p := newTestPipeline(st, completer, indexer, Options{})

	doc, chapters := seedDocument(t, st, "first chapter text", "second chapter text", "third chapter text")

	require.NoError(t, p.Run(ctx, doc.ID))

	assert.Equal(t, 4, completer.count(), "three chapter calls plus one book call")
	assert.Equal(t, 3, completer.countTemplate(TemplateChapterSummary))
	assert.Equal(t, 1, completer.countTemplate(TemplateBookSummary))
	assert.Equal(t, 0, completer.countTemplate(TemplateSummaryReduce))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, got.Status)

	nodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	for _, node := range nodes[:3] {
		assert.Equal(t, store.LevelChapter, node.Level)
		assert.Len(t, node.SpanChapterIDs, 1)
		assert.Equal(t, 120, node.TokenCost)
	}
	book := nodes[3]
	assert.Equal(t, store.LevelBook, book.Level)
	wantSpan := []uuid.UUID{chapters[0].ID, chapters[1].ID, chapters[2].ID}
	assert.Equal(t, wantSpan, book.SpanChapterIDs)

	require.Equal(t, 4, indexer.count())
	for _, node := range nodes {
		assert.Equal(t, store.NodeRef(node.ID), node.EmbeddingRef)
		entry, ok := indexer.refs[node.EmbeddingRef]
		require.True(t, ok, "node %s must be indexed", node.ID)
		assert.Equal(t, doc.ID, entry.documentID)
		assert.Equal(t, node.Text, entry.text)
	}
	bookEntry := indexer.refs[book.EmbeddingRef]
	assert.Equal(t, "book", bookEntry.kind)
}

func TestPipelineSecondRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	completer := &fakeCompleter{}
	p := newTestPipeline(st, completer, newFakeIndexer(), Options{})

	doc, _ := seedDocument(t, st, "alpha", "beta")
	require.NoError(t, p.Run(ctx, doc.ID))
	calls := completer.count()

	require.NoError(t, p.Run(ctx, doc.ID))
	assert.Equal(t, calls, completer.count(), "an indexed document costs nothing to re-run")
}

func TestPipelineResumesPartialProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	completer := &fakeCompleter{
		fail: func(n int, _ gateway.CompletionSpec) error {
			if n == 2 {
				return errors.New("provider down")
			}
			return nil
		},
	}
	indexer := newFakeIndexer()
	p := newTestPipeline(st, completer, indexer, Options{Concurrency: 1})

	doc, _ := seedDocument(t, st, "one", "two", "three")

	err := p.Run(ctx, doc.ID)
	require.ErrorContains(t, err, "provider down")

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSummarizingChapters, got.Status)

	nodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "the completed chapter keeps its node")

	completer.fail = nil
	require.NoError(t, p.Run(ctx, doc.ID))

	// Two remaining chapters plus the book; the finished chapter is not re-paid.
	assert.Equal(t, 5, completer.count())
	nodes, err = st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
	got, err = st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, got.Status)
}

func TestPipelineReducesWhenOverBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	longSummary := strings.TrimSpace(strings.Repeat("many words of summary ", 3))
	completer := &fakeCompleter{
		reply: func(spec gateway.CompletionSpec) string {
			switch spec.Template {
			case TemplateChapterSummary:
				return longSummary
			case TemplateSummaryReduce:
				return "merged summary"
			default:
				return "the whole book"
			}
		},
	}
	p := newTestPipeline(st, completer, newFakeIndexer(), Options{ContextBudget: 10})

	doc, _ := seedDocument(t, st, "one", "two", "three")
	require.NoError(t, p.Run(ctx, doc.ID))

	assert.Equal(t, 3, completer.countTemplate(TemplateChapterSummary))
	assert.Equal(t, 1, completer.countTemplate(TemplateSummaryReduce), "12 words over a 10 word budget forces one reduction pass")
	assert.Equal(t, 1, completer.countTemplate(TemplateBookSummary))

	reduceSpecs := completer.specsFor(TemplateSummaryReduce)
	joined := strings.Join([]string{longSummary, longSummary, longSummary}, "\n\n")
	assert.Equal(t, gateway.HashText(joined), reduceSpecs[0].ContentHash,
		"reduction fingerprints derive from the grouped summary text")

	bookSpecs := completer.specsFor(TemplateBookSummary)
	assert.Contains(t, bookSpecs[0].Prompt, "merged summary")
	assert.NotContains(t, bookSpecs[0].Prompt, longSummary,
		"the book prompt sees reduced summaries, not the raw ones")

	// Reduction output is transient: still one node per chapter plus the book.
	nodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
}

func TestPipelineSupersedesAfterContentChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	completer := &fakeCompleter{}
	p := newTestPipeline(st, completer, newFakeIndexer(), Options{})

	doc, _ := seedDocument(t, st, "old one", "old two")
	require.NoError(t, p.Run(ctx, doc.ID))

	oldNodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, oldNodes, 3)

	_, err = st.SaveChapters(ctx, doc.ID, []store.Chapter{
		{Position: 0, Title: "Chapter 1", Text: "new one"},
		{Position: 1, Title: "Chapter 2", Text: "new two"},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateDocumentStatus(ctx, doc.ID, store.StatusPending))

	require.NoError(t, p.Run(ctx, doc.ID))

	nodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3, "only the new generation stays live")
	for _, node := range nodes {
		for _, old := range oldNodes {
			assert.NotEqual(t, old.ID, node.ID)
		}
	}

	var newBook store.SummaryNode
	for _, node := range nodes {
		if node.Level == store.LevelBook {
			newBook = node
		}
	}
	for _, old := range oldNodes {
		got, err := st.GetSummaryNode(ctx, old.ID)
		require.NoError(t, err)
		assert.False(t, got.Live())
		require.NotNil(t, got.SupersededBy)
		assert.Equal(t, newBook.ID, *got.SupersededBy)
	}
}

func TestPipelineRejectsDocumentWithoutChapters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestPipeline(st, &fakeCompleter{}, newFakeIndexer(), Options{})

	doc, err := st.CreateDocument(ctx, store.Document{
		Title: "Empty", ContentHash: "empty-hash",
	})
	require.NoError(t, err)

	err = p.Run(ctx, doc.ID)
	require.ErrorContains(t, err, "no chapters")
}

func TestPipelineIndexFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	indexer := newFakeIndexer()
	indexer.err = errors.New("index unavailable")
	p := newTestPipeline(st, &fakeCompleter{}, indexer, Options{Concurrency: 1})

	doc, _ := seedDocument(t, st, "only chapter")
	err := p.Run(ctx, doc.ID)
	require.ErrorContains(t, err, "index unavailable")

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSummarizingChapters, got.Status,
		"the document stays at its stage for a later resume")
}

func TestPipelineWindowsOverlongChapter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	completer := &fakeCompleter{
		reply: func(spec gateway.CompletionSpec) string {
			switch spec.Template {
			case TemplateChapterWindow:
				return "part summary"
			case TemplateSummaryReduce:
				return "whole chapter summary"
			default:
				return "condensed: " + spec.Template
			}
		},
	}
	indexer := newFakeIndexer()
	p := newTestPipeline(st, completer, indexer, Options{ContextBudget: 50})

	long := strings.TrimSpace(strings.Repeat("whale ", 120))
	doc, chapters := seedDocument(t, st, long, "a short closing chapter")

	require.NoError(t, p.Run(ctx, doc.ID))

	// 120 words over a 50 word budget cut at full-size steps: three
	// windows, then one merge of their summaries.
	assert.Equal(t, 3, completer.countTemplate(TemplateChapterWindow))
	assert.Equal(t, 1, completer.countTemplate(TemplateSummaryReduce))
	assert.Equal(t, 1, completer.countTemplate(TemplateChapterSummary), "the short chapter stays a single call")
	assert.Equal(t, 1, completer.countTemplate(TemplateBookSummary))

	windowSpecs := completer.specsFor(TemplateChapterWindow)
	for _, spec := range windowSpecs {
		assert.LessOrEqual(t, EstimateTokens(spec.Prompt), 80,
			"window prompts carry one window of text plus instructions")
	}

	nodes, err := st.ListSummaryNodes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	var longNode store.SummaryNode
	for _, node := range nodes {
		if node.Level == store.LevelChapter && node.SpanChapterIDs[0] == chapters[0].ID {
			longNode = node
		}
	}
	assert.Equal(t, "whole chapter summary", longNode.Text,
		"the chapter node holds the merged text")
	assert.Equal(t, 4*120, longNode.TokenCost,
		"three window calls plus the merge")

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, got.Status)
}
