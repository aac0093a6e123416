package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps the library metadata in a single local database
// file, the default for a one-machine deployment.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the metadata database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
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
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			chapter_count INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			title TEXT NOT NULL,
			text TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chapters_document_idx ON chapters(document_id, position);`,
		`CREATE TABLE IF NOT EXISTS summary_nodes (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			level TEXT NOT NULL,
			span_chapter_ids TEXT NOT NULL,
			text TEXT NOT NULL,
			token_cost INTEGER NOT NULL,
			embedding_ref TEXT NOT NULL,
			superseded_by TEXT,
			created_at TEXT NOT NULL
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
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, author, content_hash, status, chapter_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID.String(), doc.Title, doc.Author, doc.ContentHash, string(doc.Status),
		doc.ChapterCount, doc.CreatedAt.UTC().Format(timeLayout), doc.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Document{}, ErrDuplicateDocument
		}
		return Document{}, fmt.Errorf("creating document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.getDocument(ctx, `WHERE id = $1`, id.String())
}

func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, contentHash string) (Document, error) {
	return s.getDocument(ctx, `WHERE content_hash = $1`, contentHash)
}

func (s *SQLiteStore) getDocument(ctx context.Context, where string, arg any) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, content_hash, status, chapter_count, created_at, updated_at
		FROM documents `+where, arg)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
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
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC().Format(timeLayout), id.String())
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes the document with its chapters and summary
// nodes in one transaction.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting document delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM summary_nodes WHERE document_id = $1`, id.String()); err != nil {
		return fmt.Errorf("deleting summary nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE document_id = $1`, id.String()); err != nil {
		return fmt.Errorf("deleting chapters: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return tx.Commit()
}

// SaveChapters replaces the document's chapters, assigning ids.
func (s *SQLiteStore) SaveChapters(ctx context.Context, docID uuid.UUID, chapters []Chapter) ([]Chapter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting chapter save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE document_id = $1`, docID.String()); err != nil {
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
			c.ID.String(), docID.String(), c.Position, c.Title, c.Text)
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

func (s *SQLiteStore) ListChapters(ctx context.Context, docID uuid.UUID) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, title, text
		FROM chapters
		WHERE document_id = $1
		ORDER BY position`, docID.String())
	if err != nil {
		return nil, fmt.Errorf("listing chapters: %w", err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var (
			c     Chapter
			rawID string
		)
		if err := rows.Scan(&rawID, &c.Position, &c.Title, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chapter: %w", err)
		}
		if c.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("parsing chapter id: %w", err)
		}
		c.DocumentID = docID
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSummaryNode inserts a node, filling in the id and creation time
// when unset. Nodes are never updated in place.
func (s *SQLiteStore) SaveSummaryNode(ctx context.Context, node SummaryNode) (SummaryNode, error) {
	node = prepareNode(node)
	span, err := json.Marshal(node.SpanChapterIDs)
	if err != nil {
		return SummaryNode{}, fmt.Errorf("encoding span chapter ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summary_nodes (id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8)`,
		node.ID.String(), node.DocumentID.String(), string(node.Level), string(span),
		node.Text, node.TokenCost, node.EmbeddingRef, node.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return SummaryNode{}, fmt.Errorf("inserting summary node: %w", err)
	}
	return node, nil
}

func (s *SQLiteStore) GetSummaryNode(ctx context.Context, id uuid.UUID) (SummaryNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at
		FROM summary_nodes
		WHERE id = $1`, id.String())
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SummaryNode{}, ErrSummaryNotFound
	}
	if err != nil {
		return SummaryNode{}, fmt.Errorf("loading summary node: %w", err)
	}
	return node, nil
}

func (s *SQLiteStore) ListSummaryNodes(ctx context.Context, docID uuid.UUID) ([]SummaryNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, level, span_chapter_ids, text, token_cost, embedding_ref, superseded_by, created_at
		FROM summary_nodes
		WHERE document_id = $1 AND superseded_by IS NULL
		ORDER BY CASE level WHEN 'chapter' THEN 0 ELSE 1 END, created_at, id`, docID.String())
	if err != nil {
		return nil, fmt.Errorf("listing summary nodes: %w", err)
	}
	defer rows.Close()

	var out []SummaryNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning summary node: %w", err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSuperseded(ctx context.Context, nodeID, by uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE summary_nodes SET superseded_by = $1 WHERE id = $2`,
		by.String(), nodeID.String())
	if err != nil {
		return fmt.Errorf("marking summary node superseded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSummaryNotFound
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc              Document
		rawID            string
		rawStatus        string
		rawCreat, rawUpd string
	)
	if err := row.Scan(&rawID, &doc.Title, &doc.Author, &doc.ContentHash,
		&rawStatus, &doc.ChapterCount, &rawCreat, &rawUpd); err != nil {
		return Document{}, err
	}
	var err error
	if doc.ID, err = uuid.Parse(rawID); err != nil {
		return Document{}, fmt.Errorf("parsing document id: %w", err)
	}
	doc.Status = DocumentStatus(rawStatus)
	if doc.CreatedAt, err = time.Parse(timeLayout, rawCreat); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if doc.UpdatedAt, err = time.Parse(timeLayout, rawUpd); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return doc, nil
}

func scanNode(row rowScanner) (SummaryNode, error) {
	var (
		node       SummaryNode
		rawID      string
		rawDoc     string
		rawLevel   string
		rawSpan    string
		rawSup     sql.NullString
		rawCreated string
	)
	if err := row.Scan(&rawID, &rawDoc, &rawLevel, &rawSpan, &node.Text,
		&node.TokenCost, &node.EmbeddingRef, &rawSup, &rawCreated); err != nil {
		return SummaryNode{}, err
	}
	var err error
	if node.ID, err = uuid.Parse(rawID); err != nil {
		return SummaryNode{}, fmt.Errorf("parsing node id: %w", err)
	}
	if node.DocumentID, err = uuid.Parse(rawDoc); err != nil {
		return SummaryNode{}, fmt.Errorf("parsing node document id: %w", err)
	}
	node.Level = SummaryLevel(rawLevel)
	if err = json.Unmarshal([]byte(rawSpan), &node.SpanChapterIDs); err != nil {
		return SummaryNode{}, fmt.Errorf("decoding span chapter ids: %w", err)
	}
	if rawSup.Valid {
		sup, err := uuid.Parse(rawSup.String)
		if err != nil {
			return SummaryNode{}, fmt.Errorf("parsing superseded_by: %w", err)
		}
		node.SupersededBy = &sup
	}
	if node.CreatedAt, err = time.Parse(timeLayout, rawCreated); err != nil {
		return SummaryNode{}, fmt.Errorf("parsing node created_at: %w", err)
	}
	return node, nil
}

func prepareDocument(doc Document) Document {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return doc
}

func prepareNode(node SummaryNode) SummaryNode {
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	return node
}
