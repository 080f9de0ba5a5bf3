package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

// Manager computes balances and keeps the ledger view in sync.
type Manager struct {
	escrow      EscrowSource
	withdrawals WithdrawalSource
	ledger      ledger.Store
	cache       cache.Cache
	ttl         time.Duration
	now         func() time.Time

	syncMu sync.Mutex
}

// NewManager creates a balance manager.
func NewManager(es EscrowSource, ws WithdrawalSource, ledgerStore ledger.Store, c cache.Cache, ttl time.Duration) *Manager {
	return &Manager{
		escrow:      es,
		withdrawals: ws,
		ledger:      ledgerStore,
		cache:       c,
		ttl:         ttl,
		now:         time.Now,
	}
}

// GetBalanceSummary returns the user's live balance, served from the cache
// for up to the configured TTL.
func (m *Manager) GetBalanceSummary(ctx context.Context, userID string) (*Summary, error) {
	return cache.Fetch(ctx, m.cache, cache.UserKey(userID, cache.ViewBalance), m.ttl,
		func(ctx context.Context) (*Summary, error) {
			f, err := m.Live(ctx, userID)
			if err != nil {
				return nil, err
			}
			return f.summary(userID, m.now()), nil
		})
}

// Available returns the live available balance without touching the cache.
func (m *Manager) Available(ctx context.Context, userID string) (money.Amount, error) {
	f, err := m.Live(ctx, userID)
	if err != nil {
		return money.Zero, err
	}
	return f.Available, nil
}

// Live computes the balance figures from the source of truth.
func (m *Manager) Live(ctx context.Context, userID string) (Figures, error) {
	f := Figures{
		Available:          money.Zero,
		Pending:            money.Zero,
		Escrow:             money.Zero,
		TotalEarned:        money.Zero,
		TotalWithdrawn:     money.Zero,
		PendingWithdrawals: money.Zero,
	}

	earnings, err := m.escrow.ListEarnings(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("failed to list earnings: %w", err)
	}
	for _, e := range earnings {
		f.TotalEarned = f.TotalEarned.Add(e.Amount)
	}

	holdings, err := m.escrow.ListHoldings(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("failed to list holdings: %w", err)
	}
	for _, h := range holdings {
		p := h.Payment
		if !p.Status.Holding() {
			continue
		}
		f.Escrow = f.Escrow.Add(p.Remaining())
		if p.PayeeID == userID && !h.ContractStatus.Terminal() {
			f.Pending = f.Pending.Add(owedNet(p))
		}
	}

	sums, err := m.withdrawals.SumByStatus(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	debited := money.Zero
	for status, amount := range sums {
		if status.Debits() {
			debited = debited.Add(amount)
		}
	}
	f.TotalWithdrawn = f.TotalWithdrawn.Add(sums[withdrawals.StatusPaid])
	f.PendingWithdrawals = f.PendingWithdrawals.Add(sums[withdrawals.StatusPending])
	f.Available = f.TotalEarned.Sub(debited)
	return f, nil
}

// owedNet is what the payee gets from a payment that is not settled yet:
// the net already transferred plus the net share of what is still held.
func owedNet(p *escrow.Payment) money.Amount {
	return p.ReleasedNet.Add(p.Remaining()).Sub(p.FeeOwed())
}

// ReconcileUserBalance computes the balance from the live sources and from
// the ledger view and reports every field where they disagree by more than
// a cent. A negative live available balance is reported as well.
func (m *Manager) ReconcileUserBalance(ctx context.Context, userID string) (rep *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "balance.Reconcile", traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	live, err := m.Live(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := m.ledger.Totals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger totals: %w", err)
	}

	now := m.now()
	rep = &Report{
		UserID: userID,
		Live:   live.summary(userID, now),
		Ledger: &Summary{
			UserID:         userID,
			Available:      money.Format(totals.Available()),
			TotalEarned:    money.Format(totals.Earned),
			TotalWithdrawn: money.Format(totals.Withdrawn),
			ComputedAt:     now,
		},
		Discrepancies: make(map[string]string),
		CheckedAt:     now,
	}

	compare := func(field string, a, b money.Amount) {
		if money.Differs(a, b) {
			rep.Discrepancies[field] = money.Format(a.Sub(b))
		}
	}
	compare("available", live.Available, totals.Available())
	compare("totalEarned", live.TotalEarned, totals.Earned)
	compare("totalWithdrawn", live.TotalWithdrawn, totals.Withdrawn)
	if live.Available.IsNegative() {
		rep.Discrepancies["negativeAvailable"] = money.Format(live.Available)
	}

	for field := range rep.Discrepancies {
		metrics.BalanceDiscrepanciesTotal.WithLabelValues(field).Inc()
	}
	if !rep.Balanced() {
		logging.L(ctx).Warn("balance discrepancy", "user_id", userID, "discrepancies", rep.Discrepancies)
	}
	return rep, nil
}

// SyncAllExistingPayments rebuilds the ledger view from every settled
// contract and every withdrawal. Entries are upserted by reference, so
// running it twice leaves the same view. Earning entries whose payouts
// have since failed are zeroed.
func (m *Manager) SyncAllExistingPayments(ctx context.Context) (rep *SyncReport, err error) {
	ctx, span := traces.StartSpan(ctx, "balance.SyncAll")
	defer func() { traces.End(span, err) }()

	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := m.now()
	rep = &SyncReport{}
	seen := make(map[string]bool)
	users := make(map[string]bool)

	earnings, err := m.escrow.ListEarnings(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list earnings: %w", err)
	}
	for _, e := range earnings {
		entry := escrow.EarningEntry(e)
		if err := m.ledger.Upsert(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to upsert %s: %w", entry.Reference, err)
		}
		seen[entry.Reference] = true
		users[e.UserID] = true
		rep.Earnings++
	}

	all, err := m.withdrawals.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	for _, w := range all {
		entry := withdrawals.LedgerEntry(w)
		if err := m.ledger.Upsert(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to upsert %s: %w", entry.Reference, err)
		}
		users[w.UserID] = true
		rep.Withdrawals++
	}

	known, err := m.ledger.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}
	for _, userID := range known {
		entries, err := m.ledger.ListByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Kind != ledger.KindEarning || seen[e.Reference] || e.Amount.IsZero() {
				continue
			}
			cleared := *e
			cleared.Amount = money.Zero
			cleared.Status = "reversed"
			cleared.UpdatedAt = m.now()
			if err := m.ledger.Upsert(ctx, &cleared); err != nil {
				return nil, err
			}
			users[userID] = true
			rep.Cleared++
		}
	}

	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	cache.InvalidateUsers(ctx, m.cache, ids...)

	rep.Users = len(ids)
	rep.Duration = m.now().Sub(start)
	metrics.BalanceSyncDuration.Observe(rep.Duration.Seconds())
	logging.L(ctx).Info("ledger sync complete",
		"earnings", rep.Earnings, "withdrawals", rep.Withdrawals,
		"cleared", rep.Cleared, "users", rep.Users, "duration", rep.Duration)
	return rep, nil
}
