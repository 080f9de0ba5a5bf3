package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/money"
)

// PostgresStore persists escrow rows in PostgreSQL. Writes that also move
// the contract run in one transaction with contracts.TransitionTx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, contract_id, payer_id, payee_id, amount, fee, fee_bps,
	net_amount, released_amount, released_net, refunded_gross, refunded_amount,
	fee_retained, currency, status, payment_intent_id, version, funded_at,
	released_at, refunded_at, created_at, updated_at`

const payoutColumns = `id, contract_id, payment_id, payee_id, amount, fee, net,
	transfer_id, status, failure_reason, created_at, updated_at`

const intentColumns = `id, contract_id, status, attempts, last_error, created_at, updated_at`

// withTx runs fn in a transaction and commits when it returns nil.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) FundContract(ctx context.Context, pay *Payment) (*contracts.Contract, error) {
	var c *contracts.Contract
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = fundTx(ctx, tx, pay.ContractID, pay.UpdatedAt)
		if err != nil {
			return err
		}
		return insertPayment(ctx, tx, pay)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fundTx moves the contract pending_funding -> active and locks it.
func fundTx(ctx context.Context, tx *sql.Tx, contractID string, at time.Time) (*contracts.Contract, error) {
	c, err := contracts.ScanContract(tx.QueryRowContext(ctx, `
		UPDATE contracts SET
			status = 'active', locked = TRUE, is_funded = TRUE, updated_at = $1
		WHERE id = $2 AND status = 'pending_funding'
		RETURNING `+contracts.Columns,
		at, contractID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, contractID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, contracts.ErrContractNotFound
		}
		return nil, apperr.ErrConflict
	}
	return c, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPayment(ctx context.Context, q execer, p *Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO escrow_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		p.ID, p.ContractID, p.PayerID, p.PayeeID, p.Amount, p.Fee, int64(p.FeeBPS),
		p.NetAmount, p.ReleasedAmount, p.ReleasedNet, p.RefundedGross, p.RefundedAmount,
		p.FeeRetained, p.Currency, string(p.Status), nullString(p.PaymentIntentID), p.Version,
		nullTime(p.FundedAt), nullTime(p.ReleasedAt), nullTime(p.RefundedAt), p.CreatedAt, p.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("payment intent %q already recorded: %w", p.PaymentIntentID, apperr.ErrConflict)
	}
	return err
}

func (p *PostgresStore) RecordPendingFunding(ctx context.Context, pay *Payment) error {
	return insertPayment(ctx, p.db, pay)
}

func (p *PostgresStore) MarkFunded(ctx context.Context, paymentIntentID string, at time.Time) (*Payment, *contracts.Contract, bool, error) {
	var (
		pay     *Payment
		c       *contracts.Contract
		changed bool
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+`
			FROM escrow_payments WHERE payment_intent_id = $1 FOR UPDATE`, paymentIntentID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		if cur.Status != PaymentPending {
			pay = cur
			c, err = contracts.ScanContract(tx.QueryRowContext(ctx,
				`SELECT `+contracts.Columns+` FROM contracts WHERE id = $1`, cur.ContractID))
			return err
		}

		c, err = fundTx(ctx, tx, cur.ContractID, at)
		if err != nil {
			return err
		}
		pay, err = scanPayment(tx.QueryRowContext(ctx, `
			UPDATE escrow_payments SET
				status = 'funded', funded_at = $1, updated_at = $1, version = version + 1
			WHERE id = $2
			RETURNING `+paymentColumns,
			at, cur.ID,
		))
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}
	return pay, c, changed, nil
}

func (p *PostgresStore) DropPendingFunding(ctx context.Context, paymentIntentID string) (bool, error) {
	var dropped bool
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var contractID string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM escrow_payments WHERE payment_intent_id = $1 AND status = 'pending'
			RETURNING contract_id`,
			paymentIntentID,
		).Scan(&contractID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		dropped = true
		return bumpAttempt(ctx, tx, contractID)
	})
	return dropped, err
}

func (p *PostgresStore) FundingAttempt(ctx context.Context, contractID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT attempt FROM funding_attempts WHERE contract_id = $1`, contractID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (p *PostgresStore) RecordFailedFunding(ctx context.Context, contractID string) error {
	return bumpAttempt(ctx, p.db, contractID)
}

func bumpAttempt(ctx context.Context, db execer, contractID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO funding_attempts (contract_id, attempt, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (contract_id) DO UPDATE
		SET attempt = funding_attempts.attempt + 1, updated_at = now()`,
		contractID,
	)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return p.onePayment(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)
}

func (p *PostgresStore) GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error) {
	return p.onePayment(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE payment_intent_id = $1`, paymentIntentID)
}

func (p *PostgresStore) onePayment(ctx context.Context, query string, args ...any) (*Payment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, contractID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+paymentColumns+`
		FROM escrow_payments WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListPayouts(ctx context.Context, contractID string) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+payoutColumns+`
		FROM payouts WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

// updatePaymentTx writes the new payment state if the stored version still
// equals next.Version.
func updatePaymentTx(ctx context.Context, tx *sql.Tx, next *Payment) (*Payment, error) {
	pay, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE escrow_payments SET
			released_amount = $1, released_net = $2, refunded_gross = $3,
			refunded_amount = $4, fee_retained = $5, status = $6,
			released_at = $7, refunded_at = $8, updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11
		RETURNING `+paymentColumns,
		next.ReleasedAmount, next.ReleasedNet, next.RefundedGross,
		next.RefundedAmount, next.FeeRetained, string(next.Status),
		nullTime(next.ReleasedAt), nullTime(next.RefundedAt), next.UpdatedAt,
		next.ID, next.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrConflict
	}
	return pay, err
}

func (p *PostgresStore) ApplyRelease(ctx context.Context, w *ReleaseWrite) (*Payment, *contracts.Contract, error) {
	var (
		pay *Payment
		c   *contracts.Contract
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if pay, err = updatePaymentTx(ctx, tx, w.Payment); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO payouts (`+payoutColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			w.Payout.ID, w.Payout.ContractID, w.Payout.PaymentID, w.Payout.PayeeID,
			w.Payout.Amount, w.Payout.Fee, w.Payout.Net, nullString(w.Payout.TransferID),
			string(w.Payout.Status), nullString(w.Payout.FailureReason),
			w.Payout.CreatedAt, w.Payout.UpdatedAt,
		); err != nil {
			return err
		}
		c, err = p.moveContract(ctx, tx, w.Payment.ContractID, w.CompleteFrom, contracts.StatusCompleted, w.At)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return pay, c, nil
}

func (p *PostgresStore) ApplyRefund(ctx context.Context, w *RefundWrite) (*Payment, *contracts.Contract, error) {
	var (
		pay *Payment
		c   *contracts.Contract
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if pay, err = updatePaymentTx(ctx, tx, w.Payment); err != nil {
			return err
		}
		c, err = p.moveContract(ctx, tx, w.Payment.ContractID, w.CancelFrom, contracts.StatusCancelled, w.At)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return pay, c, nil
}

// moveContract transitions the contract when from is set and otherwise
// reads it inside the transaction.
func (p *PostgresStore) moveContract(ctx context.Context, tx *sql.Tx, id string, from, to contracts.Status, at time.Time) (*contracts.Contract, error) {
	if from != "" {
		return contracts.TransitionTx(ctx, tx, id, from, to, at)
	}
	c, err := contracts.ScanContract(tx.QueryRowContext(ctx,
		`SELECT `+contracts.Columns+` FROM contracts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) CompleteContract(ctx context.Context, contractID string, from contracts.Status, intent *ReleaseIntent, at time.Time) (*contracts.Contract, error) {
	var c *contracts.Contract
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if c, err = contracts.TransitionTx(ctx, tx, contractID, from, contracts.StatusCompleted, at); err != nil {
			return err
		}
		if intent == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO release_intents (`+intentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			intent.ID, intent.ContractID, string(intent.Status), intent.Attempts,
			nullString(intent.LastError), intent.CreatedAt, intent.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) GetPayoutByTransfer(ctx context.Context, transferID string) (*Payout, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE transfer_id = $1`, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) MarkTransferCompleted(ctx context.Context, transferID string, at time.Time) (*Payout, bool, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx, `
		UPDATE payouts SET status = 'completed', updated_at = $1
		WHERE transfer_id = $2 AND status = 'pending'
		RETURNING `+payoutColumns,
		at, transferID,
	))
	if err == nil {
		return po, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	po, err = p.GetPayoutByTransfer(ctx, transferID)
	if err != nil {
		return nil, false, err
	}
	return po, false, nil
}

func (p *PostgresStore) MarkTransferFailed(ctx context.Context, transferID, reason string, at time.Time) (*Payout, bool, error) {
	var (
		po      *Payout
		changed bool
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		po, err = scanPayout(tx.QueryRowContext(ctx, `
			UPDATE payouts SET status = 'failed', failure_reason = $1, updated_at = $2
			WHERE transfer_id = $3 AND status <> 'failed'
			RETURNING `+payoutColumns,
			nullString(reason), at, transferID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			po, err = scanPayout(tx.QueryRowContext(ctx,
				`SELECT `+payoutColumns+` FROM payouts WHERE transfer_id = $1`, transferID))
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPayoutNotFound
			}
			return err
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_payments SET
				released_amount = released_amount - $1,
				released_net = released_net - $2,
				fee_retained = fee_retained - $3,
				status = 'transfer_failed',
				released_at = NULL,
				updated_at = $4,
				version = version + 1
			WHERE id = $5`,
			po.Amount, po.Net, po.Fee, at, po.PaymentID,
		)
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return po, changed, nil
}

func (p *PostgresStore) ListPendingIntents(ctx context.Context, limit int) ([]*ReleaseIntent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+intentColumns+`
		FROM release_intents WHERE status = 'pending'
		ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReleaseIntent
	for rows.Next() {
		ri, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ri)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetPendingIntent(ctx context.Context, contractID string) (*ReleaseIntent, error) {
	ri, err := scanIntent(p.db.QueryRowContext(ctx, `SELECT `+intentColumns+`
		FROM release_intents WHERE contract_id = $1 AND status = 'pending'`, contractID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return ri, err
}

func (p *PostgresStore) ResolveIntent(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE release_intents SET status = 'done', updated_at = $1 WHERE id = $2`, at, id)
	return requireRow(result, err, ErrIntentNotFound)
}

func (p *PostgresStore) FailIntent(ctx context.Context, id, lastError string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE release_intents SET attempts = attempts + 1, last_error = $1, updated_at = $2
		WHERE id = $3`, lastError, at, id)
	return requireRow(result, err, ErrIntentNotFound)
}

func (p *PostgresStore) CountPendingIntents(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM release_intents WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]*Holding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed("e.", paymentColumns)+`, c.status
		FROM escrow_payments e JOIN contracts c ON c.id = e.contract_id
		WHERE e.payer_id = $1 OR e.payee_id = $1
		ORDER BY e.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Holding
	for rows.Next() {
		var status string
		pay, err := scanPayment(rows, &status)
		if err != nil {
			return nil, err
		}
		result = append(result, &Holding{Payment: pay, ContractStatus: contracts.Status(status)})
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEarnings(ctx context.Context, userID string) ([]*Earning, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT po.contract_id, po.payee_id, SUM(po.net),
			COALESCE(c.completed_at, c.updated_at)
		FROM payouts po JOIN contracts c ON c.id = po.contract_id
		WHERE po.status <> 'failed'
			AND c.status IN ('completed', 'cancelled')
			AND ($1 = '' OR po.payee_id = $1)
		GROUP BY po.contract_id, po.payee_id, c.completed_at, c.updated_at
		ORDER BY po.contract_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Earning
	for rows.Next() {
		e := &Earning{}
		if err := rows.Scan(&e.ContractID, &e.UserID, &e.Amount, &e.SettledAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- scanning ---

type scanner interface {
	Scan(dest ...any) error
}

// scanPayment reads a row selected with paymentColumns followed by extra.
func scanPayment(s scanner, extra ...any) (*Payment, error) {
	pay := &Payment{}
	var (
		status, intentID                 sql.NullString
		feeBPS                           int64
		fundedAt, releasedAt, refundedAt sql.NullTime
	)
	dest := []any{
		&pay.ID, &pay.ContractID, &pay.PayerID, &pay.PayeeID, &pay.Amount, &pay.Fee, &feeBPS,
		&pay.NetAmount, &pay.ReleasedAmount, &pay.ReleasedNet, &pay.RefundedGross, &pay.RefundedAmount,
		&pay.FeeRetained, &pay.Currency, &status, &intentID, &pay.Version, &fundedAt,
		&releasedAt, &refundedAt, &pay.CreatedAt, &pay.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	pay.Status = PaymentStatus(status.String)
	pay.FeeBPS = money.Rate(feeBPS)
	pay.PaymentIntentID = intentID.String
	pay.FundedAt = timePtr(fundedAt)
	pay.ReleasedAt = timePtr(releasedAt)
	pay.RefundedAt = timePtr(refundedAt)
	return pay, nil
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		status                    string
		transferID, failureReason sql.NullString
	)
	err := s.Scan(
		&po.ID, &po.ContractID, &po.PaymentID, &po.PayeeID, &po.Amount, &po.Fee, &po.Net,
		&transferID, &status, &failureReason, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	po.Status = PayoutStatus(status)
	po.TransferID = transferID.String
	po.FailureReason = failureReason.String
	return po, nil
}

func scanIntent(s scanner) (*ReleaseIntent, error) {
	ri := &ReleaseIntent{}
	var (
		status    string
		lastError sql.NullString
	)
	err := s.Scan(&ri.ID, &ri.ContractID, &status, &ri.Attempts, &lastError, &ri.CreatedAt, &ri.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ri.Status = IntentStatus(status)
	ri.LastError = lastError.String
	return ri, nil
}

// prefixed qualifies every column in a comma-separated list.
func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = prefix + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

func requireRow(result sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var _ Store = (*PostgresStore)(nil)
