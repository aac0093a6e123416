// Package summarize drives a document from raw chapters to indexed chapter
// and book summaries. Runs are resumable: chapters that already carry a live
// summary node are skipped, so a retry never re-pays completed work.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bookbot/internal/gateway"
	"bookbot/internal/index"
	"bookbot/internal/llm"
	"bookbot/internal/store"
)

// Completer is the slice of the gateway the pipeline needs.
type Completer interface {
	Complete(ctx context.Context, spec gateway.CompletionSpec) (llm.Completion, error)
}

// Indexer persists summary embeddings.
type Indexer interface {
	Upsert(ctx context.Context, ref string, documentID uuid.UUID, kind, text string) (string, error)
}

type Options struct {
	Model         string
	Concurrency   int
	MaxTokens     int
	ContextBudget int
	Temperature   float64

	// Heartbeat, when set, is called after every completed unit of work so
	// a supervisor can tell a slow run from a stalled one.
	Heartbeat func()
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2048
	}
	if o.ContextBudget <= 0 {
		o.ContextBudget = 6000
	}
	if o.Temperature == 0 {
		o.Temperature = 0.7
	}
	return o
}

type Pipeline struct {
	store store.Store
	llm   Completer
	index Indexer
	log   *slog.Logger
	opts  Options
}

func New(st store.Store, completer Completer, indexer Indexer, log *slog.Logger, opts Options) *Pipeline {
	return &Pipeline{
		store: st,
		llm:   completer,
		index: indexer,
		log:   log,
		opts:  opts.withDefaults(),
	}
}

// Run walks the document through summarizing-chapters and summarizing-book
// to indexed. An already indexed document is left untouched. On error the
// document keeps its current stage so a later run resumes there.
func (p *Pipeline) Run(ctx context.Context, documentID uuid.UUID) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == store.StatusIndexed {
		p.log.Info("document already indexed", "document_id", doc.ID, "title", doc.Title)
		return nil
	}

	p.log.Info("summarization started",
		"document_id", doc.ID, "title", doc.Title, "status", doc.Status)

	if err := p.setStatus(ctx, &doc, store.StatusSummarizingChapters); err != nil {
		return err
	}
	if err := p.summarizeChapters(ctx, doc); err != nil {
		return err
	}
	if err := p.setStatus(ctx, &doc, store.StatusSummarizingBook); err != nil {
		return err
	}
	if err := p.summarizeBook(ctx, doc); err != nil {
		return err
	}
	if err := p.setStatus(ctx, &doc, store.StatusIndexed); err != nil {
		return err
	}

	p.log.Info("summarization finished", "document_id", doc.ID, "title", doc.Title)
	return nil
}

func (p *Pipeline) beat() {
	if p.opts.Heartbeat != nil {
		p.opts.Heartbeat()
	}
}

func (p *Pipeline) setStatus(ctx context.Context, doc *store.Document, status store.DocumentStatus) error {
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, status); err != nil {
		return fmt.Errorf("moving document to %s: %w", status, err)
	}
	doc.Status = status
	return nil
}

func (p *Pipeline) summarizeChapters(ctx context.Context, doc store.Document) error {
	chapters, err := p.store.ListChapters(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		return fmt.Errorf("document %s has no chapters", doc.ID)
	}
	done, err := p.liveChapterNodes(ctx, doc.ID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, chapter := range chapters {
		if _, ok := done[chapter.ID]; ok {
			p.log.Debug("chapter already summarized",
				"document_id", doc.ID, "position", chapter.Position)
			continue
		}
		g.Go(func() error {
			return p.summarizeChapter(gctx, doc, chapter)
		})
	}
	return g.Wait()
}

func (p *Pipeline) summarizeChapter(ctx context.Context, doc store.Document, chapter store.Chapter) error {
	text, cost, err := p.chapterSummary(ctx, doc, chapter)
	if err != nil {
		return fmt.Errorf("summarizing chapter %d: %w", chapter.Position, err)
	}

	node := store.SummaryNode{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		Level:          store.LevelChapter,
		SpanChapterIDs: []uuid.UUID{chapter.ID},
		Text:           text,
		TokenCost:      cost,
	}
	node.EmbeddingRef = store.NodeRef(node.ID)
	if _, err := p.store.SaveSummaryNode(ctx, node); err != nil {
		return fmt.Errorf("persisting chapter %d summary: %w", chapter.Position, err)
	}
	if _, err := p.index.Upsert(ctx, node.EmbeddingRef, doc.ID, index.KindChapter, node.Text); err != nil {
		return fmt.Errorf("indexing chapter %d summary: %w", chapter.Position, err)
	}
	p.beat()
	return nil
}

// chapterSummary returns the summary text for one chapter and the tokens
// spent producing it. A chapter within the context budget is one call;
// anything longer is summarized window by window and merged.
func (p *Pipeline) chapterSummary(ctx context.Context, doc store.Document, chapter store.Chapter) (string, int, error) {
	if EstimateTokens(chapter.Text) > p.opts.ContextBudget {
		return p.summarizeLongChapter(ctx, doc, chapter)
	}
	comp, err := p.llm.Complete(ctx, gateway.CompletionSpec{
		Template:    TemplateChapterSummary,
		System:      summarySystem,
		Prompt:      chapterPrompt(doc, chapter),
		Model:       p.opts.Model,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
		ContentHash: gateway.HashText(chapter.Text),
	})
	if err != nil {
		return "", 0, err
	}
	return comp.Text, comp.InputTokens + comp.OutputTokens, nil
}

// summarizeLongChapter splits an over-budget chapter into overlapping word
// windows, summarizes each, and merges the window summaries into one
// chapter summary. Windows are cut positionally, so a retry replays the
// same windows and hits the completion cache.
func (p *Pipeline) summarizeLongChapter(ctx context.Context, doc store.Document, chapter store.Chapter) (string, int, error) {
	windows := splitWindows(chapter.Text, p.opts.ContextBudget, windowOverlap)
	p.log.Info("chapter exceeds context budget, summarizing in windows",
		"document_id", doc.ID, "position", chapter.Position, "windows", len(windows))

	parts := make([]string, len(windows))
	cost := 0
	for i, window := range windows {
		comp, err := p.llm.Complete(ctx, gateway.CompletionSpec{
			Template:    TemplateChapterWindow,
			System:      summarySystem,
			Prompt:      windowPrompt(doc, chapter, window),
			Model:       p.opts.Model,
			MaxTokens:   p.opts.MaxTokens,
			Temperature: p.opts.Temperature,
			ContentHash: gateway.HashText(window),
		})
		if err != nil {
			return "", 0, fmt.Errorf("window %d/%d: %w", i+1, len(windows), err)
		}
		parts[i] = comp.Text
		cost += comp.InputTokens + comp.OutputTokens
		p.beat()
	}

	parts, err := p.reduce(ctx, parts)
	if err != nil {
		return "", 0, err
	}
	if len(parts) == 1 {
		return parts[0], cost, nil
	}
	comp, err := p.llm.Complete(ctx, gateway.CompletionSpec{
		Template:    TemplateSummaryReduce,
		System:      summarySystem,
		Prompt:      reducePrompt(parts),
		Model:       p.opts.Model,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
		ContentHash: gateway.HashText(strings.Join(parts, "\n\n")),
	})
	if err != nil {
		return "", 0, fmt.Errorf("merging %d window summaries: %w", len(parts), err)
	}
	return comp.Text, cost + comp.InputTokens + comp.OutputTokens, nil
}

func (p *Pipeline) summarizeBook(ctx context.Context, doc store.Document) error {
	chapters, err := p.store.ListChapters(ctx, doc.ID)
	if err != nil {
		return err
	}
	nodes, err := p.store.ListSummaryNodes(ctx, doc.ID)
	if err != nil {
		return err
	}

	byChapter := make(map[uuid.UUID]store.SummaryNode)
	var stale []store.SummaryNode
	current := make(map[uuid.UUID]bool, len(chapters))
	for _, chapter := range chapters {
		current[chapter.ID] = true
	}
	for _, node := range nodes {
		switch {
		case node.Level == store.LevelBook:
			stale = append(stale, node)
		case len(node.SpanChapterIDs) == 1 && current[node.SpanChapterIDs[0]]:
			byChapter[node.SpanChapterIDs[0]] = node
		default:
			// Chapter node left over from a previous version of the content.
			stale = append(stale, node)
		}
	}

	summaries := make([]string, 0, len(chapters))
	chapterIDs := make([]uuid.UUID, 0, len(chapters))
	for _, chapter := range chapters {
		node, ok := byChapter[chapter.ID]
		if !ok {
			return fmt.Errorf("chapter %d has no summary node", chapter.Position)
		}
		summaries = append(summaries, node.Text)
		chapterIDs = append(chapterIDs, chapter.ID)
	}

	summaries, err = p.reduce(ctx, summaries)
	if err != nil {
		return fmt.Errorf("reducing chapter summaries: %w", err)
	}

	comp, err := p.llm.Complete(ctx, gateway.CompletionSpec{
		Template:    TemplateBookSummary,
		System:      summarySystem,
		Prompt:      bookPrompt(doc, summaries),
		Model:       p.opts.Model,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
		ContentHash: gateway.HashText(strings.Join(summaries, "\n\n")),
	})
	if err != nil {
		return fmt.Errorf("summarizing book: %w", err)
	}

	node := store.SummaryNode{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		Level:          store.LevelBook,
		SpanChapterIDs: chapterIDs,
		Text:           comp.Text,
		TokenCost:      comp.InputTokens + comp.OutputTokens,
	}
	node.EmbeddingRef = store.NodeRef(node.ID)
	if _, err := p.store.SaveSummaryNode(ctx, node); err != nil {
		return fmt.Errorf("persisting book summary: %w", err)
	}
	if _, err := p.index.Upsert(ctx, node.EmbeddingRef, doc.ID, index.KindBook, node.Text); err != nil {
		return fmt.Errorf("indexing book summary: %w", err)
	}
	p.beat()

	for _, old := range stale {
		if err := p.store.MarkSuperseded(ctx, old.ID, node.ID); err != nil {
			return fmt.Errorf("superseding node %s: %w", old.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) liveChapterNodes(ctx context.Context, docID uuid.UUID) (map[uuid.UUID]store.SummaryNode, error) {
	nodes, err := p.store.ListSummaryNodes(ctx, docID)
	if err != nil {
		return nil, err
	}
	byChapter := make(map[uuid.UUID]store.SummaryNode)
	for _, node := range nodes {
		if node.Level == store.LevelChapter && len(node.SpanChapterIDs) == 1 {
			byChapter[node.SpanChapterIDs[0]] = node
		}
	}
	return byChapter, nil
}
