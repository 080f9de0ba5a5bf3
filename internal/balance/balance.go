// Package balance derives a user's balances from contracts, escrow payments
// and withdrawals, compares them with the normalized ledger view and
// rebuilds that view.
//
// Live balance (authoritative):
//
//	available = earned on settled contracts - withdrawals paid or processing
//	pending   = net still owed on funded contracts that are not settled
//	escrow    = gross still held for the user as payer or payee
//
// A negative available balance is a reconciliation finding and is returned
// as is, never clamped.
package balance

import (
	"context"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

// Summary is a user's balance. Amounts are strings with two decimals.
type Summary struct {
	UserID             string    `json:"userId"`
	Available          string    `json:"available"`
	Pending            string    `json:"pending"`
	Escrow             string    `json:"escrow"`
	TotalEarned        string    `json:"totalEarned"`
	TotalWithdrawn     string    `json:"totalWithdrawn"`
	PendingWithdrawals string    `json:"pendingWithdrawals"`
	ComputedAt         time.Time `json:"computedAt"`
}

// Figures are the raw amounts behind a Summary.
type Figures struct {
	Available          money.Amount
	Pending            money.Amount
	Escrow             money.Amount
	TotalEarned        money.Amount
	TotalWithdrawn     money.Amount
	PendingWithdrawals money.Amount
}

func (f Figures) summary(userID string, at time.Time) *Summary {
	return &Summary{
		UserID:             userID,
		Available:          money.Format(f.Available),
		Pending:            money.Format(f.Pending),
		Escrow:             money.Format(f.Escrow),
		TotalEarned:        money.Format(f.TotalEarned),
		TotalWithdrawn:     money.Format(f.TotalWithdrawn),
		PendingWithdrawals: money.Format(f.PendingWithdrawals),
		ComputedAt:         at,
	}
}

// Report compares the live balance with the ledger view. Discrepancies
// maps a field to live minus ledger; it is empty when both agree.
type Report struct {
	UserID        string            `json:"userId"`
	Live          *Summary          `json:"live"`
	Ledger        *Summary          `json:"ledger"`
	Discrepancies map[string]string `json:"discrepancies"`
	CheckedAt     time.Time         `json:"checkedAt"`
}

// Balanced reports whether no discrepancy was found.
func (r *Report) Balanced() bool {
	return len(r.Discrepancies) == 0
}

// SyncReport summarizes a full ledger rebuild.
type SyncReport struct {
	Earnings    int           `json:"earnings"`
	Withdrawals int           `json:"withdrawals"`
	Cleared     int           `json:"cleared"`
	Users       int           `json:"users"`
	Duration    time.Duration `json:"duration"`
}

// EscrowSource is the read side of the escrow store.
type EscrowSource interface {
	ListHoldings(ctx context.Context, userID string) ([]*escrow.Holding, error)
	ListEarnings(ctx context.Context, userID string) ([]*escrow.Earning, error)
}

// WithdrawalSource is the read side of the withdrawal store.
type WithdrawalSource interface {
	SumByStatus(ctx context.Context, userID string) (map[withdrawals.Status]money.Amount, error)
	ListAll(ctx context.Context) ([]*withdrawals.Withdrawal, error)
}
