package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// PostgresStore keeps the library metadata in postgres, for deployments
// that want a managed database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the metadata store against dsn and ensures the
// schema exists.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Advisory lock so concurrent instances don't race the migration.
	const lockID = 824003

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
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			chapter_count INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			position INT NOT NULL,
			title TEXT NOT NULL,
			text TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chapters_document_idx ON chapters(document_id, position);`,
		`CREATE TABLE IF NOT EXISTS summary_nodes (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			span_chapter_ids UUID[] NOT NULL,
			text TEXT NOT NULL,
			token_cost INT NOT NULL,
			embedding_ref TEXT NOT NULL,
			superseded_by UUID,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS summary_nodes_document_idx ON summary_nodes(document_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating metadata store: %w", err)
		}
	}
	return nil
}

// CreateDocument inserts a new document, filling in the id, default
// status and timestamps when unset. A content-hash collision returns
// ErrDuplicateDocument.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, author, content_hash, status, chapter_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.Title, doc.Author, doc.ContentHash, doc.Status,
		doc.ChapterCount, doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Document{}, ErrDuplicateDocument
		}
		return Document{}, fmt.Errorf("creating document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.getDocument(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, contentHash string) (Document, error) {
	return s.getDocument(ctx, `WHERE content_hash = $1`, contentHash)
}

func (s *PostgresStore) getDocument(ctx context.Context, where string, arg any) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, content_hash, status, chapter_count, created_at, updated_at
		FROM documents `+where, arg).
		Scan(&doc.ID, &doc.Title, &doc.Author, &doc.ContentHash, &doc.Status,
			&doc.ChapterCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author, content_hash, status, chapter_count, created_at, updated_at
		FROM documents
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Author, &doc.ContentHash, &doc.Status,
			&doc.ChapterCount, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes the document; chapters and summary nodes go
// with it via the cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// SaveChapters replaces the document's chapters, assigning ids.
func (s *PostgresStore) SaveChapters(ctx context.Context, docID uuid.UUID, chapters []Chapter) ([]Chapter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting chapter save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE document_id = $1`, docID); err != nil {
		return nil, fmt.Errorf("clearing previous chapters: %w", err)
	}

	out := make([]Chapter, 0, len(chapters))
	for _, c := range chapters {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = docID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chapters (id, document_id, position, title, text)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, docID, c.Position, c.Title, c.Text)
		if err != nil {
			return nil, fmt.Errorf("inserting chapter %d: %w", c.Position, err)
		}
		out = append(out, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing chapter save: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListChapters(ctx context.Context, docID uuid.UUID) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, title, text
		FROM chapters
		WHERE document_id = $1
		ORDER BY position`, docID)
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.Position, &c.Title, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chapter: %w", err)
		}
		c.DocumentID = docID
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSummaryNode inserts a node, filling in the id and creation time
// when unset. Nodes are never updated in place.
func (s *PostgresStore) SaveSummaryNode(ctx context.Context, node SummaryNode) (SummaryNode, error) {
	node = prepareNode(node)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_nodes (id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8)`,
		node.ID, node.DocumentID, node.Level, pqUUIDArray(node.SpanChapterIDs),
		node.Text, node.TokenCost, node.EmbeddingRef, node.CreatedAt.UTC())
	if err != nil {
		return SummaryNode{}, fmt.Errorf("inserting summary node: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) GetSummaryNode(ctx context.Context, id uuid.UUID) (SummaryNode, error) {
	var (
		node   SummaryNode
		span   []string
		rawSup sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at
		FROM summary_nodes
		WHERE id = $1`, id).
		Scan(&node.ID, &node.DocumentID, &node.Level, pq.Array(&span), &node.Text,
			&node.TokenCost, &node.EmbeddingRef, &rawSup, &node.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SummaryNode{}, ErrSummaryNotFound
	}
	if err != nil {
		return SummaryNode{}, fmt.Errorf("loading summary node: %w", err)
	}
	if node.SpanChapterIDs, err = parseUUIDs(span); err != nil {
		return SummaryNode{}, err
	}
	if err := applySuperseded(&node, rawSup); err != nil {
		return SummaryNode{}, err
	}
	return node, nil
}

func (s *PostgresStore) ListSummaryNodes(ctx context.Context, docID uuid.UUID) ([]SummaryNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at
		FROM summary_nodes
		WHERE document_id = $1 AND superseded_by IS NULL
		ORDER BY CASE level WHEN 'chapter' THEN 0 ELSE 1 END, created_at, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("listing summary nodes: %w", err)
	}
	defer rows.Close()

	var out []SummaryNode
	for rows.Next() {
		var (
			node   SummaryNode
			span   []string
			rawSup sql.NullString
		)
		if err := rows.Scan(&node.ID, &node.DocumentID, &node.Level, pq.Array(&span), &node.Text,
			&node.TokenCost, &node.EmbeddingRef, &rawSup, &node.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning summary node: %w", err)
		}
		if node.SpanChapterIDs, err = parseUUIDs(span); err != nil {
			return nil, err
		}
		if err := applySuperseded(&node, rawSup); err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSuperseded(ctx context.Context, nodeID, by uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE summary_nodes SET superseded_by = $1 WHERE id = $2`, by, nodeID)
	if err != nil {
		return fmt.Errorf("marking summary node superseded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSummaryNotFound
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func pqUUIDArray(ids []uuid.UUID) any {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return pq.Array(out)
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(raw))
	for i, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parsing span chapter id: %w", err)
		}
		out[i] = id
	}
	return out, nil
}

func applySuperseded(node *SummaryNode, raw sql.NullString) error {
	if !raw.Valid {
		return nil
	}
	sup, err := uuid.Parse(raw.String)
	if err != nil {
		return fmt.Errorf("parsing superseded_by: %w", err)
	}
	node.SupersededBy = &sup
	return nil
}
