package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and throwaway runs.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[uuid.UUID]Document
	chapters map[uuid.UUID][]Chapter   // by document id, position order
	nodes    map[uuid.UUID]SummaryNode // by node id
	byHash   map[string]uuid.UUID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[uuid.UUID]Document),
		chapters: make(map[uuid.UUID][]Chapter),
		nodes:    make(map[uuid.UUID]SummaryNode),
		byHash:   make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[doc.ContentHash]; exists {
		return Document{}, ErrDuplicateDocument
	}
	s.docs[doc.ID] = doc
	s.byHash[doc.ContentHash] = doc.ID
	return doc, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *MemoryStore) GetDocumentByHash(ctx context.Context, contentHash string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[contentHash]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return s.docs[id], nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.Status = status
	doc.UpdatedAt = time.Now().UTC()
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	delete(s.docs, id)
	delete(s.byHash, doc.ContentHash)
	delete(s.chapters, id)
	for nodeID, node := range s.nodes {
		if node.DocumentID == id {
			delete(s.nodes, nodeID)
		}
	}
	return nil
}

func (s *MemoryStore) SaveChapters(ctx context.Context, docID uuid.UUID, chapters []Chapter) ([]Chapter, error) {
	out := make([]Chapter, 0, len(chapters))
	for _, c := range chapters {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = docID
		out = append(out, c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[docID] = append([]Chapter(nil), out...)
	sort.Slice(s.chapters[docID], func(i, j int) bool {
		return s.chapters[docID][i].Position < s.chapters[docID][j].Position
	})
	return out, nil
}

func (s *MemoryStore) ListChapters(ctx context.Context, docID uuid.UUID) ([]Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Chapter(nil), s.chapters[docID]...), nil
}

func (s *MemoryStore) SaveSummaryNode(ctx context.Context, node SummaryNode) (SummaryNode, error) {
	node = prepareNode(node)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return node, nil
}

func (s *MemoryStore) GetSummaryNode(ctx context.Context, id uuid.UUID) (SummaryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return SummaryNode{}, ErrSummaryNotFound
	}
	return node, nil
}

func (s *MemoryStore) ListSummaryNodes(ctx context.Context, docID uuid.UUID) ([]SummaryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SummaryNode
	for _, node := range s.nodes {
		if node.DocumentID == docID && node.Live() {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level == LevelChapter
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, nodeID, by uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrSummaryNotFound
	}
	node.SupersededBy = &by
	s.nodes[nodeID] = node
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
