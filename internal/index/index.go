// Package index maintains the searchable vector index over summary
// nodes. Vectors are produced through the gateway so every embedding
// passes the cache and quota window, and are persisted before an upsert
// is acknowledged.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"bookbot/internal/clock"
	"bookbot/internal/embeddings"
	"bookbot/internal/gateway"
)

// Record kinds, tagging what produced the vector.
const (
	KindChapter = "chapter"
	KindBook    = "book"
	KindQuery   = "query"
)

// ErrCorrupt reports damaged index data, such as a malformed stored
// vector. Callers should treat it as fatal for the affected index.
var ErrCorrupt = errors.New("index: corrupted")

// Record is one indexed vector with its provenance.
type Record struct {
	Ref        string            `json:"ref"`
	DocumentID uuid.UUID         `json:"document_id"`
	Kind       string            `json:"kind"`
	Vector     embeddings.Vector `json:"vector"`
	InsertedAt time.Time         `json:"inserted_at"`
}

// Match is a query result. The record's vector is omitted; use All for
// full records.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// Store persists index records. Implementations must make Upsert
// durable before returning and Replace atomic.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vec embeddings.Vector, k int) ([]Match, error)
	Has(ctx context.Context, ref string) (bool, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	All(ctx context.Context) ([]Record, error)
	Replace(ctx context.Context, recs []Record) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Embedder produces vectors for index writes and queries. In production
// this is the gateway.
type Embedder interface {
	Embed(ctx context.Context, spec gateway.EmbedSpec) (embeddings.Vector, error)
}

// Manager ties a Store to an Embedder and owns snapshot export and
// restore.
type Manager struct {
	store    Store
	embedder Embedder
	clock    clock.Clock
	log      *slog.Logger
	model    string
	dims     int
}

// NewManager builds a Manager. dims 0 disables dimension checking; a
// nil clk falls back to the wall clock.
func NewManager(store Store, embedder Embedder, model string, dims int, clk clock.Clock, log *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		clock:    clk,
		log:      log,
		model:    model,
		dims:     dims,
	}
}

// Upsert embeds text and persists the record under ref, returning the
// ref only once the vector is durably stored. Re-upserting a ref
// replaces its vector and refreshes its insertion time.
func (m *Manager) Upsert(ctx context.Context, ref string, documentID uuid.UUID, kind, text string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("index upsert: empty ref")
	}
	vec, err := m.embedder.Embed(ctx, gateway.EmbedSpec{Text: text, Model: m.model})
	if err != nil {
		return "", fmt.Errorf("embed for index: %w", err)
	}
	if err := m.checkDims(len(vec)); err != nil {
		return "", err
	}
	rec := Record{
		Ref:        ref,
		DocumentID: documentID,
		Kind:       kind,
		Vector:     vec,
		InsertedAt: m.clock.Now(),
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("persist vector: %w", err)
	}
	m.log.Debug("vector indexed", "ref", ref, "kind", kind)
	return ref, nil
}

// Has reports whether a ref is present in the index.
func (m *Manager) Has(ctx context.Context, ref string) (bool, error) {
	return m.store.Has(ctx, ref)
}

// Search embeds the query text and returns the top k matches by cosine
// similarity, ties broken by most recent insertion.
func (m *Manager) Search(ctx context.Context, query string, k int) ([]Match, error) {
	vec, err := m.embedder.Embed(ctx, gateway.EmbedSpec{Text: query, Model: m.model})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := m.checkDims(len(vec)); err != nil {
		return nil, err
	}
	matches, err := m.store.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	return matches, nil
}

// DeleteByDocument removes every record belonging to a document.
func (m *Manager) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	if err := m.store.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document vectors: %w", err)
	}
	return nil
}

// Count reports the number of indexed records.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Export writes a portable snapshot of the whole index to w.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	return writeSnapshot(ctx, m.store, m.dims, m.clock.Now(), w)
}

// Restore replaces the whole index from a snapshot, without recomputing
// any embeddings. The restore is atomic: on any validation or storage
// failure the existing index is left untouched.
func (m *Manager) Restore(ctx context.Context, r io.Reader) error {
	n, err := readSnapshot(ctx, m.store, m.dims, r)
	if err != nil {
		return err
	}
	m.log.Info("index restored from snapshot", "records", n)
	return nil
}

func (m *Manager) checkDims(got int) error {
	if m.dims > 0 && got != m.dims {
		return fmt.Errorf("%w: embedding has %d dimensions, index expects %d", ErrCorrupt, got, m.dims)
	}
	return nil
}

// rankMatches scores records against vec and returns the top k. Equal
// scores rank the most recently inserted record first; the ref is the
// final tiebreaker so ordering stays deterministic.
func rankMatches(records []Record, vec embeddings.Vector, k int) []Match {
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		score := embeddings.CosineSimilarity(vec, rec.Vector)
		rec.Vector = nil
		matches = append(matches, Match{Record: rec, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].InsertedAt.Equal(matches[j].InsertedAt) {
			return matches[i].InsertedAt.After(matches[j].InsertedAt)
		}
		return matches[i].Ref < matches[j].Ref
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
