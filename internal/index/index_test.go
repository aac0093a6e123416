package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/clock"
	"bookbot/internal/embeddings"
	"bookbot/internal/gateway"
	"bookbot/internal/logger"
)

var indexBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRecord(ref string, docID uuid.UUID, vec embeddings.Vector, at time.Time) Record {
	return Record{Ref: ref, DocumentID: docID, Kind: KindChapter, Vector: vec, InsertedAt: at}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("query ranks by cosine similarity", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("a", docID, embeddings.Vector{1, 0, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("b", docID, embeddings.Vector{0, 1, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("c", docID, embeddings.Vector{0.9, 0.1, 0}, indexBase)))

		matches, err := s.Query(ctx, embeddings.Vector{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a", matches[0].Ref)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
		assert.Equal(t, "c", matches[1].Ref)
		assert.Greater(t, matches[0].Score, matches[1].Score)
	})

	t.Run("reupsert replaces the stored vector", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("a", docID, embeddings.Vector{1, 0, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("a", docID, embeddings.Vector{0, 0, 1}, indexBase.Add(time.Minute))))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		records, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, embeddings.Vector{0, 0, 1}, records[0].Vector)
		assert.True(t, records[0].InsertedAt.Equal(indexBase.Add(time.Minute)))
	})

	t.Run("equal scores prefer the most recent insertion", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("older", docID, embeddings.Vector{1, 0, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("newer", docID, embeddings.Vector{1, 0, 0}, indexBase.Add(time.Minute))))

		matches, err := s.Query(ctx, embeddings.Vector{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "newer", matches[0].Ref)
		assert.Equal(t, "older", matches[1].Ref)
	})

	t.Run("k bounds the result set", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		for i := 0; i < 5; i++ {
			ref := fmt.Sprintf("rec-%d", i)
			require.NoError(t, s.Upsert(ctx, testRecord(ref, docID, embeddings.Vector{1, float32(i), 0}, indexBase)))
		}
		matches, err := s.Query(ctx, embeddings.Vector{1, 0, 0}, 3)
		require.NoError(t, err)
		assert.Len(t, matches, 3)
	})

	t.Run("delete by document removes only that document", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		keep, drop := uuid.New(), uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("keep-1", keep, embeddings.Vector{1, 0, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("drop-1", drop, embeddings.Vector{0, 1, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("drop-2", drop, embeddings.Vector{0, 0, 1}, indexBase)))

		require.NoError(t, s.DeleteByDocument(ctx, drop))

		records, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "keep-1", records[0].Ref)
	})

	t.Run("replace swaps the full record set", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("old-1", docID, embeddings.Vector{1, 0, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("old-2", docID, embeddings.Vector{0, 1, 0}, indexBase)))

		next := []Record{testRecord("new-1", docID, embeddings.Vector{0, 0, 1}, indexBase.Add(time.Hour))}
		require.NoError(t, s.Replace(ctx, next))

		records, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "new-1", records[0].Ref)
	})

	t.Run("all orders by insertion time then ref", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		docID := uuid.New()

		require.NoError(t, s.Upsert(ctx, testRecord("late", docID, embeddings.Vector{1, 0, 0}, indexBase.Add(time.Hour))))
		require.NoError(t, s.Upsert(ctx, testRecord("early", docID, embeddings.Vector{0, 1, 0}, indexBase)))
		require.NoError(t, s.Upsert(ctx, testRecord("also-early", docID, embeddings.Vector{0, 0, 1}, indexBase)))

		records, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "also-early", records[0].Ref)
		assert.Equal(t, "early", records[1].Ref)
		assert.Equal(t, "late", records[2].Ref)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	docID := uuid.New()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, testRecord("a", docID, embeddings.Vector{0.25, -1, 0.0001}, indexBase)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, embeddings.Vector{0.25, -1, 0.0001}, records[0].Vector)
	assert.Equal(t, docID, records[0].DocumentID)
}

func TestSQLiteStoreRejectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, testRecord("a", uuid.New(), embeddings.Vector{1, 0, 0}, indexBase)))
	_, err = s.db.ExecContext(ctx, `UPDATE vector_index SET embedding = X'0102'`)
	require.NoError(t, err)

	_, err = s.All(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = s.Query(ctx, embeddings.Vector{1, 0, 0}, 1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestVectorTextRoundTrip(t *testing.T) {
	v := embeddings.Vector{0.25, -1, 0.0001}
	got, err := parseVector(vectorToString(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = parseVector("1,2,3")
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = parseVector("[a,b]")
	require.ErrorIs(t, err, ErrCorrupt)

	empty, err := parseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// fakeEmbedder resolves texts through a fixed table so tests control
// similarity without a provider.
type fakeEmbedder struct {
	calls int
	vecs  map[string]embeddings.Vector
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, spec gateway.EmbedSpec) (embeddings.Vector, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[spec.Text]; ok {
		return v, nil
	}
	return embeddings.Vector{1, 0, 0}, nil
}

func newTestManager(t *testing.T, s Store, emb Embedder) *Manager {
	t.Helper()
	clk := clock.NewFake(indexBase)
	return NewManager(s, emb, "test-embedding-model", 3, clk, logger.NewWithWriter("error", io.Discard))
}

func TestManagerUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{vecs: map[string]embeddings.Vector{
		"whale biology":        {1, 0, 0},
		"naval logistics":      {0, 1, 0},
		"tell me about whales": {0.95, 0.05, 0},
	}}
	m := newTestManager(t, NewMemoryStore(), emb)
	docID := uuid.New()

	ref, err := m.Upsert(ctx, "sum-1", docID, KindChapter, "whale biology")
	require.NoError(t, err)
	assert.Equal(t, "sum-1", ref)
	_, err = m.Upsert(ctx, "sum-2", docID, KindChapter, "naval logistics")
	require.NoError(t, err)

	ok, err := m.Has(ctx, "sum-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Has(ctx, "sum-9")
	require.NoError(t, err)
	assert.False(t, ok)

	matches, err := m.Search(ctx, "tell me about whales", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "sum-1", matches[0].Ref)
	assert.Equal(t, 3, emb.calls)
}

func TestManagerRejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{vecs: map[string]embeddings.Vector{
		"four dims": {1, 0, 0, 0},
	}}
	m := newTestManager(t, NewMemoryStore(), emb)

	_, err := m.Upsert(ctx, "sum-1", uuid.New(), KindChapter, "four dims")
	require.ErrorIs(t, err, ErrCorrupt)

	n, cerr := m.Count(ctx)
	require.NoError(t, cerr)
	assert.Equal(t, 0, n, "a rejected vector must not be persisted")
}

func TestSnapshotRoundTripAcrossBackends(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{vecs: map[string]embeddings.Vector{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0, 0, 1},
	}}
	source := newTestManager(t, NewMemoryStore(), emb)
	docID := uuid.New()
	for ref, text := range map[string]string{"sum-1": "alpha", "sum-2": "beta"} {
		_, err := source.Upsert(ctx, ref, docID, KindChapter, text)
		require.NoError(t, err)
	}
	_, err := source.Upsert(ctx, "sum-3", docID, KindBook, "gamma")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, source.Export(ctx, &buf))

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	// The failing embedder proves a restore never recomputes vectors.
	target := newTestManager(t, sqlite, &fakeEmbedder{err: fmt.Errorf("no provider available")})
	require.NoError(t, target.Restore(ctx, &buf))

	n, err := target.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := sqlite.Query(ctx, embeddings.Vector{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "sum-2", matches[0].Ref)
	assert.Equal(t, KindChapter, matches[0].Kind)
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	ctx := context.Background()
	docID := uuid.New()

	valid := func() Snapshot {
		return Snapshot{
			Version:    SnapshotVersion,
			Dimensions: 3,
			ExportedAt: indexBase,
			Records: []Record{
				testRecord("a", docID, embeddings.Vector{1, 0, 0}, indexBase),
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Snapshot)
		raw    string
	}{
		{name: "unsupported version", mutate: func(s *Snapshot) { s.Version = 99 }},
		{name: "dimension mismatch", mutate: func(s *Snapshot) { s.Dimensions = 4 }},
		{name: "record dimension mismatch", mutate: func(s *Snapshot) {
			s.Records[0].Vector = embeddings.Vector{1, 0}
		}},
		{name: "empty ref", mutate: func(s *Snapshot) { s.Records[0].Ref = "" }},
		{name: "duplicate ref", mutate: func(s *Snapshot) {
			s.Records = append(s.Records, s.Records[0])
		}},
		{name: "truncated json", raw: `{"version":1,"records":[`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, NewMemoryStore(), &fakeEmbedder{})
			_, err := m.Upsert(ctx, "existing", docID, KindChapter, "anything")
			require.NoError(t, err)

			var buf bytes.Buffer
			if tc.raw != "" {
				buf.WriteString(tc.raw)
			} else {
				snap := valid()
				tc.mutate(&snap)
				require.NoError(t, json.NewEncoder(&buf).Encode(snap))
			}

			err = m.Restore(ctx, &buf)
			require.ErrorIs(t, err, ErrCorruptSnapshot)

			n, cerr := m.Count(ctx)
			require.NoError(t, cerr)
			assert.Equal(t, 1, n, "a failed restore must leave the index untouched")
		})
	}
}
