package withdrawals

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/pagination"
)

// MemoryStore is an in-memory withdrawal store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.withdrawals {
		if existing.UserID == w.UserID && existing.IdempotencyKey == w.IdempotencyKey {
			return fmt.Errorf("idempotency key %q already used: %w", w.IdempotencyKey, apperr.ErrConflict)
		}
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, userID, key string) (*Withdrawal, error) {
	return m.find(func(w *Withdrawal) bool { return w.UserID == userID && w.IdempotencyKey == key })
}

func (m *MemoryStore) GetByPayoutID(_ context.Context, payoutID string) (*Withdrawal, error) {
	return m.find(func(w *Withdrawal) bool { return payoutID != "" && w.GatewayPayoutID == payoutID })
}

func (m *MemoryStore) find(match func(*Withdrawal) bool) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.withdrawals {
		if match(w) {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWithdrawalNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID != userID || !after.After(w.CreatedAt, w.ID) {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Withdrawal, 0, len(m.withdrawals))
	for _, w := range m.withdrawals {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) PendingTotal(_ context.Context, userID string) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := money.Zero
	for _, w := range m.withdrawals {
		if w.UserID == userID && w.Status == StatusPending {
			total = total.Add(w.Amount)
		}
	}
	return total, nil
}

func (m *MemoryStore) SumByStatus(_ context.Context, userID string) (map[Status]money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[Status]money.Amount)
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			sums[w.Status] = sums[w.Status].Add(w.Amount)
		}
	}
	return sums, nil
}

func (m *MemoryStore) AttachPayout(_ context.Context, id, payoutID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if w.GatewayPayoutID == "" {
		w.GatewayPayoutID = payoutID
		w.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) Advance(_ context.Context, id string, from []Status, to Status, reason string, at time.Time) (*Withdrawal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, false, ErrWithdrawalNotFound
	}
	if !slices.Contains(from, w.Status) {
		cp := *w
		return &cp, false, nil
	}
	w.Status = to
	if reason != "" {
		w.FailureReason = reason
	}
	w.UpdatedAt = at
	cp := *w
	return &cp, true, nil
}

var _ Store = (*MemoryStore)(nil)
