package contracts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/idgen"
)

// PostgresStore persists contracts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Columns is the canonical contract column list, shared with package escrow
// so both scan rows the same way.
const Columns = `id, title, description, client_id, freelancer_id, total_amount,
	currency, status, locked, is_funded, disputed_by, client_signed_at,
	freelancer_signed_at, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (`+Columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.Title, nullString(c.Description), c.ClientID, nullString(c.FreelancerID),
		c.TotalAmount, c.Currency, string(c.Status), c.Locked, c.IsFunded,
		nullString(c.DisputedBy), nullTime(c.ClientSignedAt), nullTime(c.FreelancerSignedAt),
		c.CreatedAt, c.UpdatedAt, nullTime(c.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+Columns+` FROM contracts WHERE id = $1`, id)
	c, err := ScanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			title = $1, description = $2, client_id = $3, freelancer_id = $4,
			total_amount = $5, updated_at = $6
		WHERE id = $7 AND status = 'draft' AND locked = FALSE`,
		c.Title, nullString(c.Description), c.ClientID, nullString(c.FreelancerID),
		c.TotalAmount, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return err
	}
	return p.guard(ctx, result, c.ID)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (*Contract, error) {
	return TransitionTx(ctx, p.db, id, from, to, at)
}

// execQuerier is satisfied by *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TransitionTx performs the status compare-and-swap on q, which may be a
// transaction owned by another store.
func TransitionTx(ctx context.Context, q execQuerier, id string, from, to Status, at time.Time) (*Contract, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE contracts SET
			status = $1,
			updated_at = $2,
			completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END
		WHERE id = $3 AND status = $4
		RETURNING `+Columns,
		string(to), at, id, string(from),
	)
	c, err := ScanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflictOrMissing(ctx, q, id)
	}
	return c, err
}

func (p *PostgresStore) Sign(ctx context.Context, id string, role Role, at time.Time) (*Contract, error) {
	var query string
	switch role {
	case RoleClient:
		query = `
		UPDATE contracts SET
			client_signed_at = COALESCE(client_signed_at, $1),
			status = CASE WHEN freelancer_signed_at IS NOT NULL THEN 'pending_funding' ELSE status END,
			updated_at = $1
		WHERE id = $2 AND status = 'pending_signatures'
		RETURNING ` + Columns
	case RoleFreelancer:
		query = `
		UPDATE contracts SET
			freelancer_signed_at = COALESCE(freelancer_signed_at, $1),
			status = CASE WHEN client_signed_at IS NOT NULL THEN 'pending_funding' ELSE status END,
			updated_at = $1
		WHERE id = $2 AND status = 'pending_signatures'
		RETURNING ` + Columns
	default:
		return nil, apperr.ErrForbidden
	}

	c, err := ScanContract(p.db.QueryRowContext(ctx, query, at, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflictOrMissing(ctx, p.db, id)
	}
	return c, err
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id string, from Status, by string, at time.Time) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE contracts SET status = 'disputed', disputed_by = $1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+Columns,
		by, at, id, string(from),
	)
	c, err := ScanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflictOrMissing(ctx, p.db, id)
	}
	return c, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+Columns+` FROM contracts
		WHERE (client_id = $1 OR freelancer_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		userID, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContracts(rows)
}

func (p *PostgresStore) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contracts
		WHERE (client_id = $1 OR freelancer_id = $1)
		  AND status NOT IN ('completed', 'cancelled')`,
		userID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) SubmitDeliverable(ctx context.Context, d *Deliverable, from Status) (*Contract, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := TransitionTx(ctx, tx, d.ContractID, from, StatusInReview, d.SubmittedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deliverables (id, contract_id, title, url, notes, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.ContractID, d.Title, nullString(d.URL), nullString(d.Notes),
		string(d.Status), d.SubmittedAt,
	); err != nil {
		return nil, fmt.Errorf("insert deliverable: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ReviewDeliverables(ctx context.Context, contractID string, from, to Status, decision DeliverableStatus, feedback string, at time.Time) (*Contract, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := TransitionTx(ctx, tx, contractID, from, to, at)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE deliverables SET status = $1, feedback = $2, reviewed_at = $3
		WHERE contract_id = $4 AND status = 'submitted'`,
		string(decision), nullString(feedback), at, contractID,
	); err != nil {
		return nil, fmt.Errorf("review deliverables: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListDeliverables(ctx context.Context, contractID string) ([]*Deliverable, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, title, url, notes, status, feedback, submitted_at, reviewed_at
		FROM deliverables WHERE contract_id = $1
		ORDER BY submitted_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Deliverable
	for rows.Next() {
		d := &Deliverable{}
		var (
			url, notes, feedback sql.NullString
			status               string
			reviewedAt           sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.ContractID, &d.Title, &url, &notes, &status,
			&feedback, &d.SubmittedAt, &reviewedAt); err != nil {
			return nil, err
		}
		d.URL = url.String
		d.Notes = notes.String
		d.Feedback = feedback.String
		d.Status = DeliverableStatus(status)
		if reviewedAt.Valid {
			d.ReviewedAt = &reviewedAt.Time
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountDeliverables(ctx context.Context, contractID string, status DeliverableStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deliverables WHERE contract_id = $1 AND status = $2`,
		contractID, string(status),
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) AppendAudit(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contract_audit (id, contract_id, actor_id, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ContractID, e.ActorID, e.Action, string(e.FromStatus), string(e.ToStatus),
		nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAudit(ctx context.Context, contractID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, actor_id, action, from_status, to_status, detail, created_at
		FROM (
			SELECT * FROM contract_audit WHERE contract_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var from, to string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.ContractID, &e.ActorID, &e.Action, &from, &to, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// guard turns a zero-row CAS into ErrConflict or ErrContractNotFound.
func (p *PostgresStore) guard(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conflictOrMissing(ctx, p.db, id)
	}
	return nil
}

func conflictOrMissing(ctx context.Context, q execQuerier, id string) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrContractNotFound
	}
	return apperr.ErrConflict
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ScanContract reads one row selected with Columns.
func ScanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		status                                    string
		description, freelancerID, disputedBy     sql.NullString
		clientSigned, freelancerSigned, completed sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.Title, &description, &c.ClientID, &freelancerID, &c.TotalAmount,
		&c.Currency, &status, &c.Locked, &c.IsFunded, &disputedBy, &clientSigned,
		&freelancerSigned, &c.CreatedAt, &c.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.Description = description.String
	c.FreelancerID = freelancerID.String
	c.DisputedBy = disputedBy.String
	if clientSigned.Valid {
		c.ClientSignedAt = &clientSigned.Time
	}
	if freelancerSigned.Valid {
		c.FreelancerSignedAt = &freelancerSigned.Time
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := ScanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- nullable helpers ---

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
