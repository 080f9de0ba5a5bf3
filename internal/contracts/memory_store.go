package contracts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/idgen"
)

// MemoryStore is an in-memory contract store for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	contracts    map[string]*Contract
	deliverables map[string][]*Deliverable // contractID -> deliverables
	audit        map[string][]*AuditEvent
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:    make(map[string]*Contract),
		deliverables: make(map[string][]*Deliverable),
		audit:        make(map[string][]*AuditEvent),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	if cur.Locked || cur.Status != StatusDraft {
		return apperr.ErrConflict
	}
	cur.Title = c.Title
	cur.Description = c.Description
	cur.ClientID = c.ClientID
	cur.FreelancerID = c.FreelancerID
	cur.TotalAmount = c.TotalAmount
	cur.UpdatedAt = c.UpdatedAt
	return nil
}

// Mutate applies fn to a copy of the contract under the store lock and
// commits the copy only when fn succeeds. Other in-memory stores use it to
// make their cross-entity writes atomic.
func (m *MemoryStore) Mutate(id string, fn func(c *Contract) error) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *cur
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.contracts[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time) (*Contract, error) {
	return m.Mutate(id, func(c *Contract) error {
		return applyTransition(c, from, to, at)
	})
}

// applyTransition is the shared CAS used by every memory-backed writer.
func applyTransition(c *Contract, from, to Status, at time.Time) error {
	if c.Status != from {
		return apperr.ErrConflict
	}
	c.Status = to
	c.UpdatedAt = at
	if to == StatusCompleted {
		t := at
		c.CompletedAt = &t
	}
	return nil
}

// ApplyTransition exposes the in-memory CAS to sibling memory stores.
func ApplyTransition(c *Contract, from, to Status, at time.Time) error {
	return applyTransition(c, from, to, at)
}

func (m *MemoryStore) Sign(_ context.Context, id string, role Role, at time.Time) (*Contract, error) {
	return m.Mutate(id, func(c *Contract) error {
		if c.Status != StatusPendingSignatures {
			return apperr.ErrConflict
		}
		t := at
		switch role {
		case RoleClient:
			if c.ClientSignedAt == nil {
				c.ClientSignedAt = &t
			}
		case RoleFreelancer:
			if c.FreelancerSignedAt == nil {
				c.FreelancerSignedAt = &t
			}
		default:
			return apperr.ErrForbidden
		}
		c.UpdatedAt = at
		if c.ClientSignedAt != nil && c.FreelancerSignedAt != nil {
			c.Status = StatusPendingFunding
		}
		return nil
	})
}

func (m *MemoryStore) MarkDisputed(_ context.Context, id string, from Status, by string, at time.Time) (*Contract, error) {
	return m.Mutate(id, func(c *Contract) error {
		if err := applyTransition(c, from, StatusDisputed, at); err != nil {
			return err
		}
		c.DisputedBy = by
		return nil
	})
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if !c.IsParty(userID) {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountOpenByUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.contracts {
		if c.IsParty(userID) && !c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SubmitDeliverable(_ context.Context, d *Deliverable, from Status) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.contracts[d.ContractID]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *cur
	if err := applyTransition(&cp, from, StatusInReview, d.SubmittedAt); err != nil {
		return nil, err
	}
	dc := *d
	m.deliverables[d.ContractID] = append(m.deliverables[d.ContractID], &dc)
	m.contracts[d.ContractID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) ReviewDeliverables(_ context.Context, contractID string, from, to Status, decision DeliverableStatus, feedback string, at time.Time) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.contracts[contractID]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *cur
	if err := applyTransition(&cp, from, to, at); err != nil {
		return nil, err
	}
	for _, d := range m.deliverables[contractID] {
		if d.Status == DeliverableSubmitted {
			t := at
			d.Status = decision
			d.Feedback = feedback
			d.ReviewedAt = &t
		}
	}
	m.contracts[contractID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) ListDeliverables(_ context.Context, contractID string) ([]*Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Deliverable, 0, len(m.deliverables[contractID]))
	for _, d := range m.deliverables[contractID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CountDeliverables(_ context.Context, contractID string, status DeliverableStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, d := range m.deliverables[contractID] {
		if d.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aud_")
	}
	m.audit[e.ContractID] = append(m.audit[e.ContractID], &cp)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, contractID string, limit int) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.audit[contractID]
	out := make([]*AuditEvent, 0, len(events))
	for _, e := range events {
		cp := *e
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
