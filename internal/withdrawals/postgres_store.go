package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/pagination"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, amount, currency, status, idempotency_key,
	gateway_payout_id, failure_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.Amount, w.Currency, string(w.Status), w.IdempotencyKey,
		nullString(w.GatewayPayoutID), nullString(w.FailureReason), w.CreatedAt, w.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("idempotency key %q already used: %w", w.IdempotencyKey, apperr.ErrConflict)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return p.one(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*Withdrawal, error) {
	return p.one(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (p *PostgresStore) GetByPayoutID(ctx context.Context, payoutID string) (*Withdrawal, error) {
	return p.one(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE gateway_payout_id = $1`, payoutID)
}

func (p *PostgresStore) one(ctx context.Context, query string, args ...any) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	if after == nil {
		return p.list(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
			WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	}
	return p.list(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListAll(ctx context.Context) ([]*Withdrawal, error) {
	return p.list(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals ORDER BY id`)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PendingTotal(ctx context.Context, userID string) (money.Amount, error) {
	var total money.Amount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE user_id = $1 AND status = 'pending'`, userID,
	).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumByStatus(ctx context.Context, userID string) (map[Status]money.Amount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, SUM(amount) FROM withdrawals
		WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[Status]money.Amount)
	for rows.Next() {
		var (
			status string
			total  money.Amount
		)
		if err := rows.Scan(&status, &total); err != nil {
			return nil, err
		}
		sums[Status(status)] = total
	}
	return sums, rows.Err()
}

func (p *PostgresStore) AttachPayout(ctx context.Context, id, payoutID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET gateway_payout_id = $1, updated_at = $2
		WHERE id = $3 AND gateway_payout_id IS NULL`,
		payoutID, at, id,
	)
	return err
}

// Advance is a compare-and-swap on status; a stale or terminal row leaves
// RowsAffected at zero and the current row is returned unchanged.
func (p *PostgresStore) Advance(ctx context.Context, id string, from []Status, to Status, reason string, at time.Time) (*Withdrawal, bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		UPDATE withdrawals SET
			status = $1,
			failure_reason = COALESCE($2, failure_reason),
			updated_at = $3
		WHERE id = $4 AND status = ANY($5)
		RETURNING `+withdrawalColumns,
		string(to), nullString(reason), at, id, pq.Array(allowed),
	))
	if err == nil {
		return w, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	current, err := p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status                  string
		payoutID, failureReason sql.NullString
	)
	err := s.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Currency, &status, &w.IdempotencyKey,
		&payoutID, &failureReason, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.GatewayPayoutID = payoutID.String
	w.FailureReason = failureReason.String
	return w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
