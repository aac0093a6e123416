package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bookbot/internal/embeddings"
)

// Fixed-width UTC layout so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists vectors as little-endian float32 blobs in a
// single local database file. Queries score in Go over all rows, which
// is plenty for a personal library.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the index database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vector_index (
			ref TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			embedding BLOB NOT NULL,
			inserted_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS vector_index_document_idx ON vector_index(document_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating vector index: %w", err)
		}
	}
	return nil
}

// Upsert stores or replaces the record under its ref.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_index (ref, document_id, kind, embedding, inserted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE SET
			document_id = excluded.document_id,
			kind = excluded.kind,
			embedding = excluded.embedding,
			inserted_at = excluded.inserted_at`,
		rec.Ref, rec.DocumentID.String(), rec.Kind,
		encodeVector(rec.Vector), rec.InsertedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}
	return nil
}

// Query loads all records and ranks them by cosine similarity.
func (s *SQLiteStore) Query(ctx context.Context, vec embeddings.Vector, k int) ([]Match, error) {
	records, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return rankMatches(records, vec, k), nil
}

// Has reports whether a ref is present.
func (s *SQLiteStore) Has(ctx context.Context, ref string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM vector_index WHERE ref = $1`, ref).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking vector ref: %w", err)
	}
	return true, nil
}

// DeleteByDocument removes every record for the document.
func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_index WHERE document_id = $1`, documentID.String())
	if err != nil {
		return fmt.Errorf("deleting document vectors: %w", err)
	}
	return nil
}

// All returns every record, ordered by insertion time then ref.
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref, document_id, kind, embedding, inserted_at
		FROM vector_index
		ORDER BY inserted_at, ref`)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec   Record
			rawID string
			blob  []byte
			rawAt string
		)
		if err := rows.Scan(&rec.Ref, &rawID, &rec.Kind, &blob, &rawAt); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if rec.DocumentID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("%w: document id %q", ErrCorrupt, rawID)
		}
		if rec.Vector, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("ref %q: %w", rec.Ref, err)
		}
		if rec.InsertedAt, err = time.Parse(timeLayout, rawAt); err != nil {
			return nil, fmt.Errorf("%w: inserted_at %q", ErrCorrupt, rawAt)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}
	return records, nil
}

// Replace swaps the full record set in one transaction.
func (s *SQLiteStore) Replace(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting index replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_index`); err != nil {
		return fmt.Errorf("clearing vector index: %w", err)
	}
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vector_index (ref, document_id, kind, embedding, inserted_at)
			VALUES ($1, $2, $3, $4, $5)`,
			rec.Ref, rec.DocumentID.String(), rec.Kind,
			encodeVector(rec.Vector), rec.InsertedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("inserting vector %q: %w", rec.Ref, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index replace: %w", err)
	}
	return nil
}

// Count reports the number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_index`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeVector(v embeddings.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) (embeddings.Vector, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob of %d bytes", ErrCorrupt, len(b))
	}
	v := make(embeddings.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
