package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"bookbot/internal/gateway"
	"bookbot/internal/index"
	"bookbot/internal/store"
)

// TemplateLibraryAnswer keys answer synthesis in the completion cache.
const TemplateLibraryAnswer = "library-answer"

const answerSystem = "You are a research assistant answering from a personal library. " +
	"Use only the provided context and answer in JSON."

// FallbackAnswer is returned verbatim when retrieval finds nothing usable.
const FallbackAnswer = "I could not find any relevant information in the library to answer this question."

// Searcher is the slice of the vector index queries run against.
type Searcher interface {
	Search(ctx context.Context, text string, k int) ([]index.Match, error)
}

type QueryOptions struct {
	Model       string
	TopK        int
	Temperature float64
	MaxTokens   int
}

func (o QueryOptions) withDefaults() QueryOptions {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.Temperature == 0 {
		o.Temperature = 0.3
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	return o
}

// Citation points a claim at the summary's source document. Title and
// author come from the store, not the model.
type Citation struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	QuotedText string    `json:"quoted_text"`
}

// Answer is the synthesized response to a question.
type Answer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
}

// SearchResult ranks a document by its book summary's similarity.
type SearchResult struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Score      float64   `json:"score"`
	Summary    string    `json:"summary"`
}

// QueryHandler answers questions against the indexed library. It runs
// synchronously and never fabricates citations: every citation is checked
// against the documents retrieval actually surfaced.
type QueryHandler struct {
	store store.Store
	index Searcher
	llm   Completer
	log   *slog.Logger
	opts  QueryOptions
}

func NewQueryHandler(st store.Store, idx Searcher, completer Completer, log *slog.Logger, opts QueryOptions) *QueryHandler {
	return &QueryHandler{store: st, index: idx, llm: completer, log: log, opts: opts.withDefaults()}
}

type queryContext struct {
	doc   store.Document
	node  store.SummaryNode
	score float64
}

// Ask retrieves the top-k summaries for the question and synthesizes an
// answer with citations. With nothing relevant in the library it returns
// the fixed fallback at confidence zero.
func (h *QueryHandler) Ask(ctx context.Context, question string, k int) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, errors.New("question must not be empty")
	}
	if k <= 0 {
		k = h.opts.TopK
	}

	contexts, err := h.retrieve(ctx, question, k)
	if err != nil {
		return Answer{}, err
	}
	if len(contexts) == 0 {
		h.log.Info("no relevant content for question", "k", k)
		return Answer{Answer: FallbackAnswer, Citations: []Citation{}, Confidence: 0}, nil
	}

	refs := make([]string, 0, len(contexts))
	for _, c := range contexts {
		refs = append(refs, c.node.EmbeddingRef)
	}
	comp, err := h.llm.Complete(ctx, gateway.CompletionSpec{
		Template:    TemplateLibraryAnswer,
		System:      answerSystem,
		Prompt:      answerPrompt(question, contexts),
		Model:       h.opts.Model,
		MaxTokens:   h.opts.MaxTokens,
		Temperature: h.opts.Temperature,
		ContentHash: gateway.HashText(question + "\x00" + strings.Join(refs, "\x00")),
	})
	if err != nil {
		return Answer{}, fmt.Errorf("synthesizing answer: %w", err)
	}

	var raw struct {
		Answer    string `json:"answer"`
		Citations []struct {
			DocumentID string `json:"document_id"`
			QuotedText string `json:"quoted_text"`
		} `json:"citations"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeModelJSON(comp.Text, &raw); err != nil {
		return Answer{}, fmt.Errorf("answer synthesis: %w", err)
	}

	byDoc := make(map[uuid.UUID]store.Document, len(contexts))
	var retrieval float64
	for _, c := range contexts {
		byDoc[c.doc.ID] = c.doc
		retrieval += c.score
	}
	retrieval = clamp01(retrieval / float64(len(contexts)))

	citations := make([]Citation, 0, len(raw.Citations))
	for _, c := range raw.Citations {
		id, err := uuid.Parse(c.DocumentID)
		if err != nil {
			h.log.Warn("dropping citation with invalid document id", "document_id", c.DocumentID)
			continue
		}
		doc, ok := byDoc[id]
		if !ok {
			h.log.Warn("dropping citation outside retrieved context", "document_id", id)
			continue
		}
		citations = append(citations, Citation{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Author:     doc.Author,
			QuotedText: c.QuotedText,
		})
	}

	return Answer{
		Answer:     raw.Answer,
		Citations:  citations,
		Confidence: clamp01((clamp01(raw.Confidence) + retrieval) / 2),
	}, nil
}

// Search ranks documents by how well their book-level summary matches the
// text.
func (h *QueryHandler) Search(ctx context.Context, text string, k int) ([]SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("search text must not be empty")
	}
	if k <= 0 {
		k = h.opts.TopK
	}

	// Chapter vectors outnumber book vectors, so overfetch before filtering.
	fetch := k * 4
	if fetch < 20 {
		fetch = 20
	}
	matches, err := h.index.Search(ctx, text, fetch)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, k)
	seen := make(map[uuid.UUID]bool)
	for _, match := range matches {
		if match.Kind != index.KindBook || seen[match.DocumentID] {
			continue
		}
		node, doc, err := h.resolve(ctx, match)
		if err != nil {
			continue
		}
		seen[doc.ID] = true
		results = append(results, SearchResult{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Author:     doc.Author,
			Score:      match.Score,
			Summary:    node.Text,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// retrieve resolves index matches into live summary nodes and their
// documents, dropping refs whose rows have since been deleted.
func (h *QueryHandler) retrieve(ctx context.Context, question string, k int) ([]queryContext, error) {
	matches, err := h.index.Search(ctx, question, k)
	if err != nil {
		return nil, err
	}
	contexts := make([]queryContext, 0, len(matches))
	for _, match := range matches {
		node, doc, err := h.resolve(ctx, match)
		if err != nil {
			continue
		}
		contexts = append(contexts, queryContext{doc: doc, node: node, score: match.Score})
	}
	return contexts, nil
}

func (h *QueryHandler) resolve(ctx context.Context, match index.Match) (store.SummaryNode, store.Document, error) {
	nodeID, err := store.ParseNodeRef(match.Ref)
	if err != nil {
		h.log.Warn("skipping unparseable index ref", "ref", match.Ref)
		return store.SummaryNode{}, store.Document{}, err
	}
	node, err := h.store.GetSummaryNode(ctx, nodeID)
	if err != nil {
		return store.SummaryNode{}, store.Document{}, err
	}
	if !node.Live() {
		return store.SummaryNode{}, store.Document{}, fmt.Errorf("node %s is superseded", nodeID)
	}
	doc, err := h.store.GetDocument(ctx, node.DocumentID)
	if err != nil {
		return store.SummaryNode{}, store.Document{}, err
	}
	return node, doc, nil
}

func answerPrompt(question string, contexts []queryContext) string {
	var b strings.Builder
	b.WriteString("Answer the following question using ONLY the provided context. " +
		"If the answer cannot be fully derived from the context, acknowledge what is known and what is not. " +
		"Include specific citations.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nContext:\n", question)
	for _, c := range contexts {
		fmt.Fprintf(&b, "From '%s' by %s [document_id: %s]:\n%s\n\n",
			c.doc.Title, authorOrUnknown(c.doc.Author), c.doc.ID, c.node.Text)
	}
	b.WriteString(`Provide your response in JSON format with these fields:
- answer (string): Your detailed response
- citations (list): List of citation objects with document_id, title, author, and quoted_text
- confidence (float): Your confidence in the answer (0-1)`)
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
