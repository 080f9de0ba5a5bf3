package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Service implements the non-monetary contract lifecycle.
type Service struct {
	store    Store
	locks    *syncutil.KeyedMutex
	limits   Limits
	currency string
	now      func() time.Time
}

// NewService creates a contract service. locks is shared with the escrow
// service so every writer of a contract is serialized per contract id.
func NewService(store Store, locks *syncutil.KeyedMutex, currency string) *Service {
	if locks == nil {
		locks = syncutil.NewKeyedMutex(0)
	}
	return &Service{
		store:    store,
		locks:    locks,
		limits:   DefaultLimits,
		currency: currency,
		now:      time.Now,
	}
}

// WithLimits overrides the default contract limits.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

// Create proposes a draft. The actor must be one of the two parties; the
// counterparty may be filled in later with Update.
func (s *Service) Create(ctx context.Context, actorID string, req CreateRequest) (*Contract, error) {
	if req.ClientID == "" && req.FreelancerID == "" {
		req.ClientID = actorID
	}
	if actorID == "" || (actorID != req.ClientID && actorID != req.FreelancerID) {
		return nil, fmt.Errorf("creator must be a party: %w", apperr.ErrForbidden)
	}
	if req.ClientID != "" && req.ClientID == req.FreelancerID {
		return nil, fmt.Errorf("client and freelancer must differ: %w", apperr.ErrInvalidInput)
	}

	amount, err := s.checkAmount(req.TotalAmount)
	if err != nil {
		return nil, err
	}
	if err := s.enforceLimits(ctx, actorID); err != nil {
		return nil, err
	}

	now := s.now()
	c := &Contract{
		ID:           idgen.WithPrefix("ctr_"),
		Title:        validation.SanitizeString(req.Title, 200),
		Description:  validation.SanitizeString(req.Description, validation.MaxStringLength),
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		TotalAmount:  amount,
		Currency:     s.currency,
		Status:       StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Title == "" {
		return nil, fmt.Errorf("title is required: %w", apperr.ErrInvalidInput)
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	s.audit(ctx, c.ID, actorID, "created", "", StatusDraft, "")
	return c, nil
}

// Update edits the terms of a draft. Either party may edit until the
// contract is sent for signature.
func (s *Service) Update(ctx context.Context, id, actorID string, req UpdateRequest) (*Contract, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.getForParty(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if c.Locked || c.Status != StatusDraft {
		return nil, ErrLocked
	}

	if req.Title != "" {
		c.Title = validation.SanitizeString(req.Title, 200)
	}
	if req.Description != "" {
		c.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	}
	if req.TotalAmount != "" {
		amount, err := s.checkAmount(req.TotalAmount)
		if err != nil {
			return nil, err
		}
		c.TotalAmount = amount
	}
	// Only an empty seat can be filled; parties cannot be swapped out.
	if req.FreelancerID != "" && c.FreelancerID == "" {
		c.FreelancerID = req.FreelancerID
	}
	if req.ClientID != "" && c.ClientID == "" {
		c.ClientID = req.ClientID
	}
	if c.ClientID == c.FreelancerID {
		return nil, fmt.Errorf("client and freelancer must differ: %w", apperr.ErrInvalidInput)
	}
	c.UpdatedAt = s.now()

	if err := s.store.Update(ctx, c); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to update contract: %w", err)
	}
	return c, nil
}

// SendForSignature freezes the draft terms and asks both parties to sign.
func (s *Service) SendForSignature(ctx context.Context, id, actorID string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.ClientID == "" || c.FreelancerID == "" {
			return nil, fmt.Errorf("both parties are required before signing: %w", apperr.ErrInvalidState)
		}
		return s.move(ctx, c, actorID, StatusPendingSignatures, "sent_for_signature", "")
	})
}

// Sign records the actor's signature. The second signature moves the
// contract to pending_funding.
func (s *Service) Sign(ctx context.Context, id, actorID string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.Status != StatusPendingSignatures {
			return nil, ErrInvalidTransition
		}
		role := c.RoleOf(actorID)
		updated, err := s.store.Sign(ctx, c.ID, role, s.now())
		if err != nil {
			return nil, s.mapStoreErr(err)
		}
		s.audit(ctx, c.ID, actorID, "signed_"+string(role), c.Status, updated.Status, "")
		if updated.Status != c.Status {
			metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(updated.Status)).Inc()
		}
		return updated, nil
	})
}

// SubmitDeliverable hands in work; only the freelancer may submit.
func (s *Service) SubmitDeliverable(ctx context.Context, id, actorID string, req DeliverableRequest) (*Contract, *Deliverable, error) {
	var d *Deliverable
	c, err := s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.RoleOf(actorID) != RoleFreelancer {
			return nil, ErrFreelancerOnly
		}
		switch c.Status {
		case StatusActive, StatusPendingDelivery, StatusRevisionRequested:
		default:
			return nil, ErrInvalidTransition
		}
		title := validation.SanitizeString(req.Title, 200)
		if title == "" {
			return nil, fmt.Errorf("title is required: %w", apperr.ErrInvalidInput)
		}

		d = &Deliverable{
			ID:          idgen.WithPrefix("dlv_"),
			ContractID:  c.ID,
			Title:       title,
			URL:         req.URL,
			Notes:       validation.SanitizeString(req.Notes, validation.MaxStringLength),
			Status:      DeliverableSubmitted,
			SubmittedAt: s.now(),
		}
		updated, err := s.store.SubmitDeliverable(ctx, d, c.Status)
		if err != nil {
			return nil, s.mapStoreErr(err)
		}
		metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(StatusInReview)).Inc()
		s.audit(ctx, c.ID, actorID, "deliverable_submitted", c.Status, StatusInReview, d.ID)
		return updated, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, d, nil
}

// RequestRevision sends submitted work back to the freelancer.
func (s *Service) RequestRevision(ctx context.Context, id, actorID, feedback string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.RoleOf(actorID) != RoleClient {
			return nil, ErrClientOnly
		}
		if c.Status != StatusInReview {
			return nil, ErrInvalidTransition
		}
		return s.review(ctx, c, actorID, StatusRevisionRequested, DeliverableRevisionRequested, feedback, "revision_requested")
	})
}

// ApproveDeliverables accepts the submitted work and moves the contract to
// pending_completion, ready for Complete or Release.
func (s *Service) ApproveDeliverables(ctx context.Context, id, actorID string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.RoleOf(actorID) != RoleClient {
			return nil, ErrClientOnly
		}
		if c.Status != StatusInReview && c.Status != StatusPendingDelivery {
			return nil, ErrInvalidTransition
		}
		return s.review(ctx, c, actorID, StatusPendingCompletion, DeliverableApproved, "", "deliverables_approved")
	})
}

// Cancel abandons a contract that holds no money. Funded contracts are
// cancelled by refunding their escrow.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if c.IsFunded {
			return nil, fmt.Errorf("funded contracts are cancelled by refund: %w", apperr.ErrInvalidState)
		}
		return s.move(ctx, c, actorID, StatusCancelled, "cancelled", validation.SanitizeString(reason, 1000))
	})
}

// Dispute freezes a funded contract pending resolution.
func (s *Service) Dispute(ctx context.Context, id, actorID, reason string) (*Contract, error) {
	return s.withContract(ctx, id, actorID, func(c *Contract) (*Contract, error) {
		if !c.IsFunded {
			return nil, fmt.Errorf("only funded contracts can be disputed: %w", apperr.ErrInvalidState)
		}
		if !CanTransition(c.Status, StatusDisputed) {
			return nil, ErrInvalidTransition
		}
		updated, err := s.store.MarkDisputed(ctx, c.ID, c.Status, actorID, s.now())
		if err != nil {
			return nil, s.mapStoreErr(err)
		}
		metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(StatusDisputed)).Inc()
		s.audit(ctx, c.ID, actorID, "disputed", c.Status, StatusDisputed, validation.SanitizeString(reason, 1000))
		return updated, nil
	})
}

// ResolveDispute returns a disputed contract to active or closes it as
// cancelled. Only administrators resolve disputes; money still in escrow is
// then released or refunded through package escrow.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID string, req ResolveRequest) (*Contract, error) {
	if req.Outcome != StatusActive && req.Outcome != StatusCancelled {
		return nil, fmt.Errorf("outcome must be active or cancelled: %w", apperr.ErrInvalidInput)
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}
	return s.move(ctx, c, adminID, req.Outcome, "dispute_resolved", validation.SanitizeString(req.Reason, 1000))
}

// Get returns a contract visible to actorID. Contracts the actor is not a
// party to are reported as not found.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Contract, error) {
	return s.getForParty(ctx, id, actorID)
}

// List returns the actor's contracts, newest first.
func (s *Service) List(ctx context.Context, actorID string, status Status, limit int) ([]*Contract, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, apperr.ErrInvalidInput)
	}
	return s.store.ListByUser(ctx, actorID, status, limit)
}

// Deliverables lists a contract's deliverables.
func (s *Service) Deliverables(ctx context.Context, id, actorID string) ([]*Deliverable, error) {
	if _, err := s.getForParty(ctx, id, actorID); err != nil {
		return nil, err
	}
	return s.store.ListDeliverables(ctx, id)
}

// History returns the audit trail of a contract.
func (s *Service) History(ctx context.Context, id, actorID string, limit int) ([]*AuditEvent, error) {
	if _, err := s.getForParty(ctx, id, actorID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id, limit)
}

// --- helpers ---

func (s *Service) withContract(ctx context.Context, id, actorID string, fn func(c *Contract) (*Contract, error)) (*Contract, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.getForParty(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	return fn(c)
}

func (s *Service) getForParty(ctx context.Context, id, actorID string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(actorID) {
		return nil, ErrContractNotFound
	}
	return c, nil
}

func (s *Service) move(ctx context.Context, c *Contract, actorID string, to Status, action, detail string) (*Contract, error) {
	if !CanTransition(c.Status, to) {
		return nil, ErrInvalidTransition
	}
	updated, err := s.store.Transition(ctx, c.ID, c.Status, to, s.now())
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(to)).Inc()
	s.audit(ctx, c.ID, actorID, action, c.Status, to, detail)
	return updated, nil
}

func (s *Service) review(ctx context.Context, c *Contract, actorID string, to Status, decision DeliverableStatus, feedback, action string) (*Contract, error) {
	if !CanTransition(c.Status, to) {
		return nil, ErrInvalidTransition
	}
	feedback = validation.SanitizeString(feedback, validation.MaxStringLength)
	updated, err := s.store.ReviewDeliverables(ctx, c.ID, c.Status, to, decision, feedback, s.now())
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(to)).Inc()
	s.audit(ctx, c.ID, actorID, action, c.Status, to, feedback)
	return updated, nil
}

func (s *Service) mapStoreErr(err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return ErrInvalidTransition
	}
	return err
}

// audit records an event. The transition has already committed, so a
// failed audit write is logged rather than surfaced.
func (s *Service) audit(ctx context.Context, contractID, actorID, action string, from, to Status, detail string) {
	err := s.store.AppendAudit(ctx, &AuditEvent{
		ContractID: contractID,
		ActorID:    actorID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		CreatedAt:  s.now(),
	})
	if err != nil {
		logging.L(ctx).Error("failed to append contract audit event",
			"contract_id", contractID, "action", action, "error", err)
	}
}

func (s *Service) checkAmount(raw string) (money.Amount, error) {
	amount, err := money.Parse(raw)
	if err != nil {
		return money.Zero, fmt.Errorf("total amount %q: %w", raw, apperr.ErrInvalidAmount)
	}
	if amount.LessThan(s.limits.MinAmount) || amount.GreaterThan(s.limits.MaxAmount) {
		return money.Zero, fmt.Errorf("total amount must be between %s and %s: %w",
			money.Format(s.limits.MinAmount), money.Format(s.limits.MaxAmount), apperr.ErrInvalidAmount)
	}
	return amount, nil
}

func (s *Service) enforceLimits(ctx context.Context, userID string) error {
	if s.limits.MaxOpenPerUser <= 0 {
		return nil
	}
	n, err := s.store.CountOpenByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count open contracts: %w", err)
	}
	if n >= s.limits.MaxOpenPerUser {
		return ErrLimitExceeded
	}
	return nil
}
