package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteLedger persists usage records in a single local database file.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the ledger database at path.
func NewSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	l := &SQLiteLedger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_ledger (
			id TEXT PRIMARY KEY,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS usage_ledger_at_idx ON usage_ledger(at);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating usage ledger: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLedger) Append(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_ledger(id, at, kind, model, fingerprint, input_tokens, output_tokens, cost_usd)
		VALUES(?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.At.UTC().Format(timeLayout), e.Kind, e.Model, e.Fingerprint,
		e.InputTokens, e.OutputTokens, e.CostUSD)
	if err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Between(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, at, kind, model, fingerprint, input_tokens, output_tokens, cost_usd
		FROM usage_ledger
		WHERE at >= ? AND at < ?
		ORDER BY at ASC`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			rawID string
			rawAt string
		)
		if err := rows.Scan(&rawID, &rawAt, &e.Kind, &e.Model, &e.Fingerprint,
			&e.InputTokens, &e.OutputTokens, &e.CostUSD); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("ledger row id: %w", err)
		}
		if e.At, err = time.Parse(timeLayout, rawAt); err != nil {
			return nil, fmt.Errorf("ledger row timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM usage_ledger`).
		Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, err
	}
	return t, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
