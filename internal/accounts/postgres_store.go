package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/gigescrow/internal/apperr"
)

// PostgresStore persists connected accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `user_id, gateway_account_id, charges_enabled, payouts_enabled,
	transfers_capability, currently_due, past_due, eventually_due, disabled_reason,
	enhanced_kyc_status, verification_session_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *ConnectedAccount) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connected_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.UserID, a.GatewayAccountID, a.ChargesEnabled, a.PayoutsEnabled,
		a.TransfersCapability, pq.Array(a.CurrentlyDue), pq.Array(a.PastDue), pq.Array(a.EventuallyDue),
		nullString(a.DisabledReason), string(a.EnhancedKYCStatus), nullString(a.VerificationSessionID),
		a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("account for %s already exists: %w", a.UserID, apperr.ErrConflict)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*ConnectedAccount, error) {
	return p.getBy(ctx, "user_id", userID)
}

func (p *PostgresStore) GetByGatewayID(ctx context.Context, gatewayAccountID string) (*ConnectedAccount, error) {
	return p.getBy(ctx, "gateway_account_id", gatewayAccountID)
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*ConnectedAccount, error) {
	return p.getBy(ctx, "verification_session_id", sessionID)
}

// getBy is only called with the fixed column names above.
func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*ConnectedAccount, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateCapabilities(ctx context.Context, a *ConnectedAccount) (*ConnectedAccount, error) {
	updated, err := scanAccount(p.db.QueryRowContext(ctx, `
		UPDATE connected_accounts SET
			charges_enabled = $1,
			payouts_enabled = $2,
			transfers_capability = $3,
			currently_due = $4,
			past_due = $5,
			eventually_due = $6,
			disabled_reason = $7,
			updated_at = $8
		WHERE gateway_account_id = $9
		RETURNING `+accountColumns,
		a.ChargesEnabled, a.PayoutsEnabled, a.TransfersCapability,
		pq.Array(a.CurrentlyDue), pq.Array(a.PastDue), pq.Array(a.EventuallyDue),
		nullString(a.DisabledReason), a.UpdatedAt, a.GatewayAccountID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return updated, err
}

func (p *PostgresStore) SetKYC(ctx context.Context, userID string, status KYCStatus, sessionID string, at time.Time) (*ConnectedAccount, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, `
		UPDATE connected_accounts SET
			enhanced_kyc_status = $1,
			verification_session_id = COALESCE($2, verification_session_id),
			updated_at = $3
		WHERE user_id = $4
		RETURNING `+accountColumns,
		string(status), nullString(sessionID), at, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*ConnectedAccount, error) {
	a := &ConnectedAccount{}
	var (
		kyc                            string
		disabledReason, verificationID sql.NullString
	)
	err := s.Scan(
		&a.UserID, &a.GatewayAccountID, &a.ChargesEnabled, &a.PayoutsEnabled,
		&a.TransfersCapability, pq.Array(&a.CurrentlyDue), pq.Array(&a.PastDue), pq.Array(&a.EventuallyDue),
		&disabledReason, &kyc, &verificationID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.EnhancedKYCStatus = KYCStatus(kyc)
	a.DisabledReason = disabledReason.String
	a.VerificationSessionID = verificationID.String
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
