package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresLedger persists usage records in postgres, for deployments that
// already run one for the metadata store.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgres opens the ledger against dsn and ensures the schema exists.
func NewPostgres(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	l := &PostgresLedger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	// Advisory lock so concurrent instances don't race the migration.
	const lockID = 824001

	var acquired bool
	if err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = l.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_ledger (
			id UUID PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			input_tokens BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL
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

func (l *PostgresLedger) Append(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_ledger(id, at, kind, model, fingerprint, input_tokens, output_tokens, cost_usd)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.At.UTC(), e.Kind, e.Model, e.Fingerprint, e.InputTokens, e.OutputTokens, e.CostUSD)
	if err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Between(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, at, kind, model, fingerprint, input_tokens, output_tokens, cost_usd
		FROM usage_ledger
		WHERE at >= $1 AND at < $2
		ORDER BY at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.Model, &e.Fingerprint,
			&e.InputTokens, &e.OutputTokens, &e.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Totals(ctx context.Context) (Totals, error) {
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

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
