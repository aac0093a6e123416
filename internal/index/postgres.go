package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bookbot/internal/embeddings"
)

// PostgresStore persists vectors in a pgvector column and lets postgres
// rank queries by cosine distance.
type PostgresStore struct {
	db   *sql.DB
	dims int
}

// NewPostgresStore opens the index against dsn and ensures the schema
// exists with the given vector dimensions.
func NewPostgresStore(dsn string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector index requires explicit dimensions, got %d", dims)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, dims: dims}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Advisory lock so concurrent instances don't race the migration.
	const lockID = 824002

	var acquired bool
	if err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_index (
			ref TEXT PRIMARY KEY,
			document_id UUID NOT NULL,
			kind TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		);`, s.dims),
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
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_index (ref, document_id, kind, embedding, inserted_at)
		VALUES ($1, $2, $3, $4::vector, $5)
		ON CONFLICT (ref) DO UPDATE SET
			document_id = excluded.document_id,
			kind = excluded.kind,
			embedding = excluded.embedding,
			inserted_at = excluded.inserted_at`,
		rec.Ref, rec.DocumentID, rec.Kind, vectorToString(rec.Vector), rec.InsertedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}
	return nil
}

// Query ranks by cosine similarity in postgres, breaking ties by most
// recent insertion.
func (s *PostgresStore) Query(ctx context.Context, vec embeddings.Vector, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref, document_id, kind, inserted_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM vector_index
		ORDER BY similarity DESC, inserted_at DESC, ref ASC
		LIMIT $2`, vectorToString(vec), k)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Ref, &m.DocumentID, &m.Kind, &m.InsertedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Has reports whether a ref is present.
func (s *PostgresStore) Has(ctx context.Context, ref string) (bool, error) {
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
func (s *PostgresStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_index WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("deleting document vectors: %w", err)
	}
	return nil
}

// All returns every record, ordered by insertion time then ref.
func (s *PostgresStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref, document_id, kind, embedding::text, inserted_at
		FROM vector_index
		ORDER BY inserted_at ASC, ref ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec Record
			raw string
		)
		if err := rows.Scan(&rec.Ref, &rec.DocumentID, &rec.Kind, &raw, &rec.InsertedAt); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if rec.Vector, err = parseVector(raw); err != nil {
			return nil, fmt.Errorf("ref %q: %w", rec.Ref, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Replace swaps the full record set in one transaction.
func (s *PostgresStore) Replace(ctx context.Context, recs []Record) error {
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
			VALUES ($1, $2, $3, $4::vector, $5)`,
			rec.Ref, rec.DocumentID, rec.Kind, vectorToString(rec.Vector), rec.InsertedAt.UTC())
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
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_index`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

// vectorToString renders a vector in pgvector's text format.
func vectorToString(v embeddings.Vector) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads pgvector's text format back into a vector.
func parseVector(s string) (embeddings.Vector, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("%w: malformed vector text", ErrCorrupt)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return embeddings.Vector{}, nil
	}
	parts := strings.Split(body, ",")
	v := make(embeddings.Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: vector component %q", ErrCorrupt, p)
		}
		v[i] = float32(f)
	}
	return v, nil
}
