package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*ConnectedAccount // userID -> account
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*ConnectedAccount)}
}

func (m *MemoryStore) Create(_ context.Context, a *ConnectedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.UserID]; ok {
		return fmt.Errorf("account for %s already exists: %w", a.UserID, apperr.ErrConflict)
	}
	m.accounts[a.UserID] = clone(a)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*ConnectedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) GetByGatewayID(_ context.Context, gatewayAccountID string) (*ConnectedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if a.GatewayAccountID == gatewayAccountID {
			return clone(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*ConnectedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if sessionID != "" && a.VerificationSessionID == sessionID {
			return clone(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) UpdateCapabilities(_ context.Context, upd *ConnectedAccount) (*ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.GatewayAccountID != upd.GatewayAccountID {
			continue
		}
		a.ChargesEnabled = upd.ChargesEnabled
		a.PayoutsEnabled = upd.PayoutsEnabled
		a.TransfersCapability = upd.TransfersCapability
		a.CurrentlyDue = append([]string(nil), upd.CurrentlyDue...)
		a.PastDue = append([]string(nil), upd.PastDue...)
		a.EventuallyDue = append([]string(nil), upd.EventuallyDue...)
		a.DisabledReason = upd.DisabledReason
		a.UpdatedAt = upd.UpdatedAt
		return clone(a), nil
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) SetKYC(_ context.Context, userID string, status KYCStatus, sessionID string, at time.Time) (*ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.EnhancedKYCStatus = status
	if sessionID != "" {
		a.VerificationSessionID = sessionID
	}
	a.UpdatedAt = at
	return clone(a), nil
}

func clone(a *ConnectedAccount) *ConnectedAccount {
	cp := *a
	cp.CurrentlyDue = append([]string(nil), a.CurrentlyDue...)
	cp.PastDue = append([]string(nil), a.PastDue...)
	cp.EventuallyDue = append([]string(nil), a.EventuallyDue...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
