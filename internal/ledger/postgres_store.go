package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/gigescrow/internal/money"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (reference, user_id, kind, amount, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			kind = EXCLUDED.kind,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		e.Reference, e.UserID, string(e.Kind), e.Amount, e.Status, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT reference, user_id, kind, amount, status, updated_at
		FROM ledger_entries WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reference, user_id, kind, amount, status, updated_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY reference`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Totals aggregates in SQL so large histories never leave the database.
func (p *PostgresStore) Totals(ctx context.Context, userID string) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind = 'earning'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'withdrawal' AND status = 'paid'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'withdrawal' AND status IN ('paid', 'processing')), 0)
		FROM ledger_entries WHERE user_id = $1`, userID,
	).Scan(&t.Earned, &t.Withdrawn, &t.Debited)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM ledger_entries ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{Amount: money.Zero}
	var kind string
	if err := s.Scan(&e.Reference, &e.UserID, &kind, &e.Amount, &e.Status, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	return e, nil
}

var _ Store = (*PostgresStore)(nil)
