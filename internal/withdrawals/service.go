package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/pagination"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/traces"
)

// BalanceSource reports a user's live available balance. Implemented by
// the balance manager; it must not read from the cache.
type BalanceSource interface {
	Available(ctx context.Context, userID string) (money.Amount, error)
}

// PayoutAccounts resolves the connected account a user's payouts come from.
type PayoutAccounts interface {
	PayoutAccount(ctx context.Context, userID string) (string, error)
}

// Service implements withdrawal requests and payout reconciliation.
type Service struct {
	store    Store
	ledger   ledger.Store
	gateway  payments.Gateway
	accounts PayoutAccounts
	balances BalanceSource
	cache    cache.Cache
	currency string
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a withdrawal service.
func NewService(store Store, ledgerStore ledger.Store, gateway payments.Gateway, accounts PayoutAccounts, c cache.Cache, currency string) *Service {
	return &Service{
		store:    store,
		ledger:   ledgerStore,
		gateway:  gateway,
		accounts: accounts,
		cache:    c,
		currency: currency,
		locks:    syncutil.NewKeyedMutex(64),
		now:      time.Now,
	}
}

// WithBalanceSource sets the live balance used to cap withdrawals.
func (s *Service) WithBalanceSource(b BalanceSource) *Service {
	s.balances = b
	return s
}

// Request creates a withdrawal and submits the payout. Repeating a request
// with the same idempotency key returns the original withdrawal; if that
// one never reached the gateway the payout is resubmitted under the same
// gateway key.
func (s *Service) Request(ctx context.Context, userID string, in RequestInput) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Request", traces.UserID(userID))
	var err error
	defer func() { traces.End(span, err) }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		err = ErrMissingKey
		return nil, err
	}
	amount, perr := money.Parse(in.Amount)
	if perr != nil || !amount.IsPositive() {
		err = fmt.Errorf("withdrawal amount must be positive: %w", apperr.ErrInvalidAmount)
		return nil, err
	}
	amount = money.Round(amount)

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The idempotency check reads the store, never the cache.
	existing, lerr := s.store.GetByIdempotencyKey(ctx, userID, key)
	switch {
	case lerr == nil:
		if existing.Status == StatusPending && existing.GatewayPayoutID == "" {
			return s.submit(ctx, existing)
		}
		return existing, nil
	case !errors.Is(lerr, ErrWithdrawalNotFound):
		err = lerr
		return nil, err
	}

	if _, err = s.accounts.PayoutAccount(ctx, userID); err != nil {
		return nil, err
	}
	if err = s.checkFunds(ctx, userID, amount); err != nil {
		return nil, err
	}

	now := s.now()
	w := &Withdrawal{
		ID:             idgen.WithPrefix("wd_"),
		UserID:         userID,
		Amount:         amount,
		Currency:       s.currency,
		Status:         StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err = s.store.Create(ctx, w); err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()

	w, err = s.submit(ctx, w)
	return w, err
}

func (s *Service) checkFunds(ctx context.Context, userID string, amount money.Amount) error {
	if s.balances == nil {
		return fmt.Errorf("no balance source configured: %w", ErrInsufficientFunds)
	}
	available, err := s.balances.Available(ctx, userID)
	if err != nil {
		return err
	}
	pending, err := s.store.PendingTotal(ctx, userID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(available.Sub(pending)) {
		return ErrInsufficientFunds
	}
	return nil
}

// submit sends the payout for a pending withdrawal. A definite gateway
// rejection fails the withdrawal; a timeout leaves it pending because the
// payout may still have been created.
func (s *Service) submit(ctx context.Context, w *Withdrawal) (*Withdrawal, error) {
	account, err := s.accounts.PayoutAccount(ctx, w.UserID)
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.Payout(ctx, payments.PayoutRequest{
		Account:        account,
		Amount:         w.Amount,
		Currency:       w.Currency,
		WithdrawalID:   w.ID,
		IdempotencyKey: "payout:" + w.ID,
	})
	if err != nil {
		var gwErr *apperr.GatewayError
		if errors.As(err, &gwErr) && gwErr.Code == "timeout" {
			logging.L(ctx).Warn("payout outcome unknown, leaving withdrawal pending",
				"withdrawal_id", w.ID, "error", err)
			return nil, err
		}
		if _, _, ferr := s.advance(ctx, w.ID, StatusFailed, err.Error()); ferr != nil {
			logging.L(ctx).Error("failed to mark withdrawal failed", "withdrawal_id", w.ID, "error", ferr)
		}
		return nil, err
	}

	now := s.now()
	if err := s.store.AttachPayout(ctx, w.ID, res.PayoutID, now); err != nil {
		return nil, fmt.Errorf("failed to record payout %s: %w", res.PayoutID, err)
	}
	w.GatewayPayoutID = res.PayoutID

	if status, ok := MapPayoutStatus(res.Status); ok && status != StatusPending {
		updated, _, err := s.advance(ctx, w.ID, status, "")
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	s.record(ctx, w)
	logging.L(ctx).Info("withdrawal submitted", "withdrawal_id", w.ID, "payout_id", res.PayoutID,
		"amount", money.Format(w.Amount))
	return w, nil
}

// ApplyPayoutStatus applies a payout webhook. Backward or repeated moves
// are no-ops; the bool reports whether the withdrawal changed.
func (s *Service) ApplyPayoutStatus(ctx context.Context, upd PayoutUpdate) (bool, error) {
	status, ok := MapPayoutStatus(upd.Status)
	if !ok {
		logging.L(ctx).Warn("ignoring unmapped payout status", "payout_id", upd.PayoutID, "status", upd.Status)
		return false, nil
	}

	w, err := s.store.GetByPayoutID(ctx, upd.PayoutID)
	if errors.Is(err, ErrWithdrawalNotFound) && upd.WithdrawalID != "" {
		// The event can beat the local write of the payout id.
		if w, err = s.store.Get(ctx, upd.WithdrawalID); err == nil {
			err = s.store.AttachPayout(ctx, w.ID, upd.PayoutID, s.now())
		}
	}
	if errors.Is(err, ErrWithdrawalNotFound) {
		// Payouts the platform schedules on its own have no withdrawal.
		logging.L(ctx).Debug("payout has no withdrawal", "payout_id", upd.PayoutID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	unlock, err := s.locks.LockContext(ctx, w.UserID)
	if err != nil {
		return false, err
	}
	defer unlock()

	_, changed, err := s.advance(ctx, w.ID, status, upd.FailureReason)
	return changed, err
}

func (s *Service) advance(ctx context.Context, id string, to Status, reason string) (*Withdrawal, bool, error) {
	w, changed, err := s.store.Advance(ctx, id, predecessors(to), to, reason, s.now())
	if err != nil || !changed {
		return w, changed, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
	s.record(ctx, w)
	logging.L(ctx).Info("withdrawal status changed", "withdrawal_id", w.ID, "status", to)
	return w, true, nil
}

// record writes the withdrawal's ledger entry and drops cached balances.
// The ledger is rebuilt by the balance sync, so a failed write is logged.
func (s *Service) record(ctx context.Context, w *Withdrawal) {
	if err := s.ledger.Upsert(ctx, LedgerEntry(w)); err != nil {
		logging.L(ctx).Warn("failed to write withdrawal ledger entry", "withdrawal_id", w.ID, "error", err)
	}
	cache.InvalidateUsers(ctx, s.cache, w.UserID)
}

// LedgerEntry is the ledger form of a withdrawal.
func LedgerEntry(w *Withdrawal) *ledger.Entry {
	return &ledger.Entry{
		Reference: ledger.WithdrawalRef(w.ID),
		UserID:    w.UserID,
		Kind:      ledger.KindWithdrawal,
		Amount:    w.Amount,
		Status:    string(w.Status),
		UpdatedAt: w.UpdatedAt,
	}
}

// Get returns a withdrawal owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, ErrWithdrawalNotFound
	}
	return w, nil
}

// List returns one page of the user's withdrawals, newest first. cursor is
// the NextCursor of the previous page, or empty for the first page.
func (s *Service) List(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput)
	}
	list, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(list, limit, func(w *Withdrawal) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	return &Page{Withdrawals: items, NextCursor: next, HasMore: more}, nil
}

// ListAll returns every withdrawal, for the balance sync.
func (s *Service) ListAll(ctx context.Context) ([]*Withdrawal, error) {
	return s.store.ListAll(ctx)
}
