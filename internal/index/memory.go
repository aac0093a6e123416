package index

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"bookbot/internal/embeddings"
)

// MemoryStore is an in-memory Store for tests and single-run setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Upsert stores or replaces the record under its ref.
func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Ref] = cloneRecord(rec)
	return nil
}

// Query brute-forces cosine similarity over all records.
func (s *MemoryStore) Query(ctx context.Context, vec embeddings.Vector, k int) ([]Match, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()
	return rankMatches(records, vec, k), nil
}

// Has reports whether a ref is present.
func (s *MemoryStore) Has(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[ref]
	return ok, nil
}

// DeleteByDocument removes every record for the document.
func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, rec := range s.records {
		if rec.DocumentID == documentID {
			delete(s.records, ref)
		}
	}
	return nil
}

// All returns every record, ordered by insertion time then ref.
func (s *MemoryStore) All(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, cloneRecord(rec))
	}
	sortRecords(records)
	return records, nil
}

// Replace swaps the full record set in one step.
func (s *MemoryStore) Replace(ctx context.Context, recs []Record) error {
	next := make(map[string]Record, len(recs))
	for _, rec := range recs {
		next[rec.Ref] = cloneRecord(rec)
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return nil
}

// Count reports the number of records.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec Record) Record {
	vec := make(embeddings.Vector, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec
	return rec
}
