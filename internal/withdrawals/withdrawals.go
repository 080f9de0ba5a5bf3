// Package withdrawals moves a payee's available balance out to their bank
// through a gateway payout.
//
// A withdrawal is created pending, advanced by payout webhooks to
// processing and then paid or failed. Statuses only move forward; paid and
// failed are terminal.
package withdrawals

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/pagination"
)

var (
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal not found: %w", apperr.ErrNotFound)
	ErrInsufficientFunds  = fmt.Errorf("amount exceeds available balance: %w", apperr.ErrInvalidAmount)
	ErrMissingKey         = fmt.Errorf("idempotency key is required: %w", apperr.ErrInvalidInput)
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

var rank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusPaid:       2,
	StatusFailed:     2,
}

// IsTerminal reports whether no further status change is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Debits reports whether a withdrawal in this status reduces the available
// balance.
func (s Status) Debits() bool {
	return s == StatusProcessing || s == StatusPaid
}

// predecessors returns every status a withdrawal may move to s from.
func predecessors(s Status) []Status {
	var from []Status
	for st, r := range rank {
		if r < rank[s] {
			from = append(from, st)
		}
	}
	return from
}

// payoutStatuses maps platform payout statuses.
var payoutStatuses = map[string]Status{
	"pending":    StatusPending,
	"in_transit": StatusProcessing,
	"paid":       StatusPaid,
	"failed":     StatusFailed,
	"canceled":   StatusFailed,
}

// MapPayoutStatus returns the withdrawal status for a platform payout status.
func MapPayoutStatus(platformStatus string) (Status, bool) {
	s, ok := payoutStatuses[platformStatus]
	return s, ok
}

// Withdrawal is one payout request.
type Withdrawal struct {
	ID              string       `json:"id"`
	UserID          string       `json:"userId"`
	Amount          money.Amount `json:"amount"`
	Currency        string       `json:"currency"`
	Status          Status       `json:"status"`
	IdempotencyKey  string       `json:"idempotencyKey"`
	GatewayPayoutID string       `json:"gatewayPayoutId,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Page is one page of a user's withdrawal history.
type Page struct {
	Withdrawals []*Withdrawal `json:"withdrawals"`
	NextCursor  string        `json:"nextCursor,omitempty"`
	HasMore     bool          `json:"hasMore"`
}

// Store persists withdrawals.
type Store interface {
	// Create fails with apperr.ErrConflict when the user already used the
	// idempotency key.
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Withdrawal, error)
	GetByPayoutID(ctx context.Context, payoutID string) (*Withdrawal, error)
	// ListByUser returns the user's withdrawals newest first, starting after
	// the cursor position when after is not nil.
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error)
	ListAll(ctx context.Context) ([]*Withdrawal, error)
	// PendingTotal sums the user's withdrawals still in pending.
	PendingTotal(ctx context.Context, userID string) (money.Amount, error)
	// SumByStatus totals the user's withdrawals per status.
	SumByStatus(ctx context.Context, userID string) (map[Status]money.Amount, error)
	// AttachPayout records the gateway payout id if none is set yet.
	AttachPayout(ctx context.Context, id, payoutID string, at time.Time) error
	// Advance moves the withdrawal to status `to` only if its current status
	// is one of from. The bool reports whether the row changed.
	Advance(ctx context.Context, id string, from []Status, to Status, reason string, at time.Time) (*Withdrawal, bool, error)
}

// RequestInput is the body of a withdrawal request.
type RequestInput struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// PayoutUpdate is a payout status reported by the platform.
type PayoutUpdate struct {
	PayoutID      string
	WithdrawalID  string // from payout metadata, when present
	Status        string
	FailureReason string
}
