package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/contracts"
)

// errUnchanged aborts a memory mutation that has nothing to write.
var errUnchanged = errors.New("unchanged")

// MemoryStore is an in-memory escrow store for development and tests. It
// shares the contract store so contract and escrow writes commit together:
// every cross-entity write runs inside contracts.MemoryStore.Mutate and
// takes the escrow lock second.
type MemoryStore struct {
	contracts *contracts.MemoryStore

	mu       sync.RWMutex
	payments map[string]*Payment
	payouts  map[string]*Payout
	intents  map[string]*ReleaseIntent
	attempts map[string]int
}

// NewMemoryStore creates an escrow store over the given contract store.
func NewMemoryStore(cs *contracts.MemoryStore) *MemoryStore {
	return &MemoryStore{
		contracts: cs,
		payments:  make(map[string]*Payment),
		payouts:   make(map[string]*Payout),
		intents:   make(map[string]*ReleaseIntent),
		attempts:  make(map[string]int),
	}
}

func (m *MemoryStore) FundContract(_ context.Context, p *Payment) (*contracts.Contract, error) {
	return m.contracts.Mutate(p.ContractID, func(c *contracts.Contract) error {
		if err := contracts.ApplyTransition(c, contracts.StatusPendingFunding, contracts.StatusActive, p.UpdatedAt); err != nil {
			return err
		}
		c.Locked = true
		c.IsFunded = true

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.intentUsed(p.PaymentIntentID) {
			return apperr.ErrConflict
		}
		m.payments[p.ID] = clonePayment(p)
		return nil
	})
}

func (m *MemoryStore) RecordPendingFunding(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.intentUsed(p.PaymentIntentID) {
		return apperr.ErrConflict
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) intentUsed(paymentIntentID string) bool {
	for _, existing := range m.payments {
		if paymentIntentID != "" && existing.PaymentIntentID == paymentIntentID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) MarkFunded(ctx context.Context, paymentIntentID string, at time.Time) (*Payment, *contracts.Contract, bool, error) {
	p, err := m.GetPaymentByIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, nil, false, err
	}

	var funded *Payment
	c, err := m.contracts.Mutate(p.ContractID, func(c *contracts.Contract) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur, ok := m.payments[p.ID]
		if !ok {
			return ErrPaymentNotFound
		}
		if cur.Status != PaymentPending {
			return errUnchanged
		}
		if err := contracts.ApplyTransition(c, contracts.StatusPendingFunding, contracts.StatusActive, at); err != nil {
			return err
		}
		c.Locked = true
		c.IsFunded = true

		next := clonePayment(cur)
		next.Status = PaymentFunded
		next.FundedAt = &at
		next.UpdatedAt = at
		next.Version++
		m.payments[p.ID] = next
		funded = clonePayment(next)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		cur, gerr := m.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, nil, false, gerr
		}
		c, gerr := m.contracts.Get(ctx, p.ContractID)
		return cur, c, false, gerr
	}
	if err != nil {
		return nil, nil, false, err
	}
	return funded, c, true, nil
}

func (m *MemoryStore) DropPendingFunding(_ context.Context, paymentIntentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.payments {
		if p.PaymentIntentID == paymentIntentID && p.Status == PaymentPending {
			delete(m.payments, id)
			m.attempts[p.ContractID]++
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) FundingAttempt(_ context.Context, contractID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts[contractID], nil
}

func (m *MemoryStore) RecordFailedFunding(_ context.Context, contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[contractID]++
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetPaymentByIntent(_ context.Context, paymentIntentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if paymentIntentID != "" && p.PaymentIntentID == paymentIntentID {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListPayments(_ context.Context, contractID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.ContractID == contractID {
			result = append(result, clonePayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListPayouts(_ context.Context, contractID string) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, po := range m.payouts {
		if po.ContractID == contractID {
			cp := *po
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ApplyRelease(_ context.Context, w *ReleaseWrite) (*Payment, *contracts.Contract, error) {
	var out *Payment
	c, err := m.contracts.Mutate(w.Payment.ContractID, func(c *contracts.Contract) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.checkVersion(w.Payment); err != nil {
			return err
		}
		if w.CompleteFrom != "" {
			if err := contracts.ApplyTransition(c, w.CompleteFrom, contracts.StatusCompleted, w.At); err != nil {
				return err
			}
		}
		out = m.commitPayment(w.Payment)
		po := *w.Payout
		m.payouts[po.ID] = &po
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, c, nil
}

func (m *MemoryStore) ApplyRefund(_ context.Context, w *RefundWrite) (*Payment, *contracts.Contract, error) {
	var out *Payment
	c, err := m.contracts.Mutate(w.Payment.ContractID, func(c *contracts.Contract) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.checkVersion(w.Payment); err != nil {
			return err
		}
		if w.CancelFrom != "" {
			if err := contracts.ApplyTransition(c, w.CancelFrom, contracts.StatusCancelled, w.At); err != nil {
				return err
			}
		}
		out = m.commitPayment(w.Payment)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, c, nil
}

// checkVersion and commitPayment run with m.mu held.
func (m *MemoryStore) checkVersion(p *Payment) error {
	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Version != p.Version {
		return apperr.ErrConflict
	}
	return nil
}

func (m *MemoryStore) commitPayment(p *Payment) *Payment {
	next := clonePayment(p)
	next.Version++
	m.payments[p.ID] = next
	return clonePayment(next)
}

func (m *MemoryStore) CompleteContract(_ context.Context, contractID string, from contracts.Status, intent *ReleaseIntent, at time.Time) (*contracts.Contract, error) {
	return m.contracts.Mutate(contractID, func(c *contracts.Contract) error {
		if err := contracts.ApplyTransition(c, from, contracts.StatusCompleted, at); err != nil {
			return err
		}
		if intent != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
			cp := *intent
			m.intents[cp.ID] = &cp
		}
		return nil
	})
}

func (m *MemoryStore) GetPayoutByTransfer(_ context.Context, transferID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	po := m.payoutByTransfer(transferID)
	if po == nil {
		return nil, ErrPayoutNotFound
	}
	cp := *po
	return &cp, nil
}

func (m *MemoryStore) payoutByTransfer(transferID string) *Payout {
	for _, po := range m.payouts {
		if transferID != "" && po.TransferID == transferID {
			return po
		}
	}
	return nil
}

func (m *MemoryStore) MarkTransferCompleted(_ context.Context, transferID string, at time.Time) (*Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	po := m.payoutByTransfer(transferID)
	if po == nil {
		return nil, false, ErrPayoutNotFound
	}
	changed := po.Status == PayoutPending
	if changed {
		po.Status = PayoutCompleted
		po.UpdatedAt = at
	}
	cp := *po
	return &cp, changed, nil
}

func (m *MemoryStore) MarkTransferFailed(_ context.Context, transferID, reason string, at time.Time) (*Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	po := m.payoutByTransfer(transferID)
	if po == nil {
		return nil, false, ErrPayoutNotFound
	}
	if po.Status == PayoutFailed {
		cp := *po
		return &cp, false, nil
	}
	p, ok := m.payments[po.PaymentID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}

	next := clonePayment(p)
	restoreSlice(next, po, at)
	m.payments[p.ID] = next

	po.Status = PayoutFailed
	po.FailureReason = reason
	po.UpdatedAt = at
	cp := *po
	return &cp, true, nil
}

func (m *MemoryStore) ListPendingIntents(_ context.Context, limit int) ([]*ReleaseIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ReleaseIntent
	for _, ri := range m.intents {
		if ri.Status == IntentPending {
			cp := *ri
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetPendingIntent(_ context.Context, contractID string) (*ReleaseIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ri := range m.intents {
		if ri.ContractID == contractID && ri.Status == IntentPending {
			cp := *ri
			return &cp, nil
		}
	}
	return nil, ErrIntentNotFound
}

func (m *MemoryStore) ResolveIntent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ri, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	ri.Status = IntentDone
	ri.UpdatedAt = at
	return nil
}

func (m *MemoryStore) FailIntent(_ context.Context, id, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ri, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	ri.Attempts++
	ri.LastError = lastError
	ri.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CountPendingIntents(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ri := range m.intents {
		if ri.Status == IntentPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListHoldings(ctx context.Context, userID string) ([]*Holding, error) {
	m.mu.RLock()
	var payments []*Payment
	for _, p := range m.payments {
		if p.PayerID == userID || p.PayeeID == userID {
			payments = append(payments, clonePayment(p))
		}
	}
	m.mu.RUnlock()

	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	result := make([]*Holding, 0, len(payments))
	for _, p := range payments {
		c, err := m.contracts.Get(ctx, p.ContractID)
		if err != nil {
			return nil, err
		}
		result = append(result, &Holding{Payment: p, ContractStatus: c.Status})
	}
	return result, nil
}

func (m *MemoryStore) ListEarnings(ctx context.Context, userID string) ([]*Earning, error) {
	m.mu.RLock()
	byContract := make(map[string]*Earning)
	for _, po := range m.payouts {
		if po.Status == PayoutFailed || (userID != "" && po.PayeeID != userID) {
			continue
		}
		e, ok := byContract[po.ContractID]
		if !ok {
			e = &Earning{ContractID: po.ContractID, UserID: po.PayeeID}
			byContract[po.ContractID] = e
		}
		e.Amount = e.Amount.Add(po.Net)
	}
	m.mu.RUnlock()

	var result []*Earning
	for id, e := range byContract {
		c, err := m.contracts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !c.Status.Terminal() {
			continue
		}
		e.SettledAt = settledAt(c)
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ContractID < result[j].ContractID })
	return result, nil
}

// restoreSlice puts a failed payout's slice back into escrow.
func restoreSlice(p *Payment, po *Payout, at time.Time) {
	p.ReleasedAmount = p.ReleasedAmount.Sub(po.Amount)
	p.ReleasedNet = p.ReleasedNet.Sub(po.Net)
	p.FeeRetained = p.FeeRetained.Sub(po.Fee)
	p.Status = PaymentTransferFailed
	p.UpdatedAt = at
	p.Version++
}

func settledAt(c *contracts.Contract) time.Time {
	if c.CompletedAt != nil {
		return *c.CompletedAt
	}
	return c.UpdatedAt
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	return &cp
}

var _ Store = (*MemoryStore)(nil)
