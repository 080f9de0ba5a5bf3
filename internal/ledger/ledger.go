// Package ledger keeps the normalized balance view: one entry per earning
// (a completed contract's released net) and one per withdrawal.
//
// The view is not authoritative. Contracts, escrow payments and
// withdrawals are the source of truth; balance.SyncAllExistingPayments
// rebuilds every entry from them, and the live writers keep it current
// between syncs.
package ledger

import (
	"context"
	"time"

	"github.com/mbd888/gigescrow/internal/money"
)

// Kind distinguishes money in from money out.
type Kind string

const (
	KindEarning    Kind = "earning"
	KindWithdrawal Kind = "withdrawal"
)

// Entry is one normalized balance fact. Reference is unique, so writing the
// same fact twice replaces it instead of counting it twice.
type Entry struct {
	Reference string       `json:"reference"`
	UserID    string       `json:"userId"`
	Kind      Kind         `json:"kind"`
	Amount    money.Amount `json:"amount"`
	Status    string       `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// EarningRef is the reference of a contract's earning entry.
func EarningRef(contractID string) string { return "earning:" + contractID }

// WithdrawalRef is the reference of a withdrawal's entry.
func WithdrawalRef(withdrawalID string) string { return "withdrawal:" + withdrawalID }

// Withdrawal statuses that reduce the available balance.
var debitingStatuses = map[string]bool{"processing": true, "paid": true}

// Totals is a user's balance as seen by the ledger view.
type Totals struct {
	Earned    money.Amount `json:"earned"`
	Withdrawn money.Amount `json:"withdrawn"` // paid only
	Debited   money.Amount `json:"debited"`   // paid + processing
}

// Available is Earned minus every debiting withdrawal. It may be negative;
// callers report that rather than clamp it.
func (t Totals) Available() money.Amount {
	return t.Earned.Sub(t.Debited)
}

// Add folds e into the totals.
func (t *Totals) Add(e *Entry) {
	switch e.Kind {
	case KindEarning:
		t.Earned = t.Earned.Add(e.Amount)
	case KindWithdrawal:
		if debitingStatuses[e.Status] {
			t.Debited = t.Debited.Add(e.Amount)
		}
		if e.Status == "paid" {
			t.Withdrawn = t.Withdrawn.Add(e.Amount)
		}
	}
}

// Store persists ledger entries.
type Store interface {
	// Upsert inserts e or replaces the entry with the same reference.
	Upsert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, reference string) (*Entry, error)
	ListByUser(ctx context.Context, userID string) ([]*Entry, error)
	Totals(ctx context.Context, userID string) (*Totals, error)
	// ListUsers returns every user with at least one entry.
	ListUsers(ctx context.Context) ([]string, error)
}
