// Package store persists the library metadata: documents, their
// chapters, and the summary nodes the pipeline produces. Embeddings
// live in the vector index; summary nodes only carry a reference.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through the summarization pipeline.
type DocumentStatus string

const (
	StatusPending             DocumentStatus = "pending"
	StatusSummarizingChapters DocumentStatus = "summarizing-chapters"
	StatusSummarizingBook     DocumentStatus = "summarizing-book"
	StatusIndexed             DocumentStatus = "indexed"
	StatusFailed              DocumentStatus = "failed"
)

// Terminal reports whether no further pipeline work applies.
func (s DocumentStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// SummaryLevel distinguishes chapter summaries from the book roll-up.
type SummaryLevel string

const (
	LevelChapter SummaryLevel = "chapter"
	LevelBook    SummaryLevel = "book"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrSummaryNotFound   = errors.New("summary not found")
	ErrDuplicateDocument = errors.New("document with this content hash already exists")
)

// Document is one ingested book or paper. The content hash is the dedup
// key: re-ingesting the same hash never creates a second document.
type Document struct {
	ID           uuid.UUID      `json:"id"`
	Title        string         `json:"title"`
	Author       string         `json:"author"`
	ContentHash  string         `json:"content_hash"`
	Status       DocumentStatus `json:"status"`
	ChapterCount int            `json:"chapter_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Chapter is an ordered slice of a document's text. Immutable once
// saved.
type Chapter struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Position   int       `json:"position"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
}

// SummaryNode is one generated summary. Nodes are immutable once
// written; re-summarization writes a new node and points the old one's
// SupersededBy at it.
type SummaryNode struct {
	ID             uuid.UUID    `json:"id"`
	DocumentID     uuid.UUID    `json:"document_id"`
	Level          SummaryLevel `json:"level"`
	SpanChapterIDs []uuid.UUID  `json:"span_chapter_ids"`
	Text           string       `json:"text"`
	TokenCost      int          `json:"token_cost"`
	EmbeddingRef   string       `json:"embedding_ref"`
	SupersededBy   *uuid.UUID   `json:"superseded_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Live reports whether the node is current (not superseded).
func (n SummaryNode) Live() bool { return n.SupersededBy == nil }

// Store is the persistence contract for library metadata.
type Store interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error
	DeleteDocument(ctx context.Context, id uuid.UUID) error

	// SaveChapters replaces any chapters the document already has.
	SaveChapters(ctx context.Context, docID uuid.UUID, chapters []Chapter) ([]Chapter, error)
	ListChapters(ctx context.Context, docID uuid.UUID) ([]Chapter, error)

	SaveSummaryNode(ctx context.Context, node SummaryNode) (SummaryNode, error)
	GetSummaryNode(ctx context.Context, id uuid.UUID) (SummaryNode, error)
	// ListSummaryNodes returns the document's live nodes, chapter level
	// first, then by creation time.
	ListSummaryNodes(ctx context.Context, docID uuid.UUID) ([]SummaryNode, error)
	MarkSuperseded(ctx context.Context, nodeID, by uuid.UUID) error

	Close() error
}
