package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
)

// ErrEntryNotFound is returned by Get for an unknown reference.
var ErrEntryNotFound = fmt.Errorf("ledger entry not found: %w", apperr.ErrNotFound)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Upsert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.Reference] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[reference]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Reference < result[j].Reference
	})
	return result, nil
}

func (m *MemoryStore) Totals(ctx context.Context, userID string) (*Totals, error) {
	entries, err := m.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	t := &Totals{Earned: money.Zero, Withdrawn: money.Zero, Debited: money.Zero}
	for _, e := range entries {
		t.Add(e)
	}
	return t, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, e := range m.entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

var _ Store = (*MemoryStore)(nil)
