// Package contracts owns the freelancer contract lifecycle: drafting,
// signatures, deliverables, approval, cancellation and disputes.
//
// Status graph:
//
//	draft -> pending_signatures -> pending_funding -> active
//	active -> pending_delivery | in_review | pending_completion | completed
//	pending_delivery -> in_review | pending_completion | completed
//	in_review -> revision_requested | pending_completion | completed
//	revision_requested -> in_review | pending_delivery | completed
//	pending_completion -> completed
//	disputed -> active | cancelled | completed
//	any non-terminal -> cancelled | disputed
//
// completed and cancelled are terminal. Money moves (fund, release, refund,
// complete) live in package escrow and use the same graph.
package contracts

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
)

var (
	ErrContractNotFound    = fmt.Errorf("contract not found: %w", apperr.ErrNotFound)
	ErrDeliverableNotFound = fmt.Errorf("deliverable not found: %w", apperr.ErrNotFound)
	ErrInvalidTransition   = fmt.Errorf("transition not allowed from current status: %w", apperr.ErrInvalidState)
	ErrLocked              = fmt.Errorf("contract is locked: %w", apperr.ErrInvalidState)
	ErrClientOnly          = fmt.Errorf("only the client may do this: %w", apperr.ErrForbidden)
	ErrFreelancerOnly      = fmt.Errorf("only the freelancer may do this: %w", apperr.ErrForbidden)
	ErrAdminOnly           = fmt.Errorf("only an administrator may do this: %w", apperr.ErrForbidden)
	ErrLimitExceeded       = fmt.Errorf("open contract limit reached: %w", apperr.ErrInvalidInput)
)

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingSignatures Status = "pending_signatures"
	StatusPendingFunding    Status = "pending_funding"
	StatusActive            Status = "active"
	StatusPendingDelivery   Status = "pending_delivery"
	StatusInReview          Status = "in_review"
	StatusRevisionRequested Status = "revision_requested"
	StatusPendingCompletion Status = "pending_completion"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

// AllStatuses lists every status in graph order.
var AllStatuses = []Status{
	StatusDraft, StatusPendingSignatures, StatusPendingFunding, StatusActive,
	StatusPendingDelivery, StatusInReview, StatusRevisionRequested,
	StatusPendingCompletion, StatusCompleted, StatusCancelled, StatusDisputed,
}

var edges = map[Status][]Status{
	StatusDraft:             {StatusPendingSignatures},
	StatusPendingSignatures: {StatusPendingFunding},
	StatusPendingFunding:    {StatusActive},
	StatusActive:            {StatusPendingDelivery, StatusInReview, StatusPendingCompletion, StatusCompleted},
	StatusPendingDelivery:   {StatusInReview, StatusPendingCompletion, StatusCompleted},
	StatusInReview:          {StatusRevisionRequested, StatusPendingCompletion, StatusCompleted},
	StatusRevisionRequested: {StatusInReview, StatusPendingDelivery, StatusCompleted},
	StatusPendingCompletion: {StatusCompleted},
	StatusDisputed:          {StatusActive, StatusCancelled, StatusCompleted},
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	if from == to || !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled || to == StatusDisputed {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role is a party's side of a contract.
type Role string

const (
	RoleNone       Role = ""
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// Contract is an agreement between a paying client and a freelancer.
type Contract struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	ClientID           string       `json:"clientId"`
	FreelancerID       string       `json:"freelancerId,omitempty"`
	TotalAmount        money.Amount `json:"totalAmount"`
	Currency           string       `json:"currency"`
	Status             Status       `json:"status"`
	Locked             bool         `json:"locked"`
	IsFunded           bool         `json:"isFunded"`
	DisputedBy         string       `json:"disputedBy,omitempty"`
	ClientSignedAt     *time.Time   `json:"clientSignedAt,omitempty"`
	FreelancerSignedAt *time.Time   `json:"freelancerSignedAt,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty"`
}

// RoleOf returns userID's role on the contract.
func (c *Contract) RoleOf(userID string) Role {
	switch {
	case userID == "":
		return RoleNone
	case userID == c.ClientID:
		return RoleClient
	case userID == c.FreelancerID:
		return RoleFreelancer
	}
	return RoleNone
}

// IsParty reports whether userID is the client or the freelancer.
func (c *Contract) IsParty(userID string) bool {
	return c.RoleOf(userID) != RoleNone
}

// DeliverableStatus is the review state of a submitted deliverable.
type DeliverableStatus string

const (
	DeliverableSubmitted         DeliverableStatus = "submitted"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

// Deliverable is a piece of work handed in by the freelancer.
type Deliverable struct {
	ID          string            `json:"id"`
	ContractID  string            `json:"contractId"`
	Title       string            `json:"title"`
	URL         string            `json:"url,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Status      DeliverableStatus `json:"status"`
	Feedback    string            `json:"feedback,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
	ReviewedAt  *time.Time        `json:"reviewedAt,omitempty"`
}

// AuditEvent records who moved a contract and how.
type AuditEvent struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contractId"`
	ActorID    string    `json:"actorId"`
	Action     string    `json:"action"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists contracts, deliverables and their audit trail. Every
// status write is a compare-and-swap on the current status and returns
// apperr.ErrConflict when the guard matches no row.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	// Update rewrites the editable terms of an unlocked draft.
	Update(ctx context.Context, c *Contract) error
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (*Contract, error)
	// Sign records role's signature while pending_signatures and moves the
	// contract to pending_funding once both parties have signed.
	Sign(ctx context.Context, id string, role Role, at time.Time) (*Contract, error)
	// MarkDisputed moves a non-terminal contract to disputed.
	MarkDisputed(ctx context.Context, id string, from Status, by string, at time.Time) (*Contract, error)
	ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error)
	CountOpenByUser(ctx context.Context, userID string) (int, error)

	// SubmitDeliverable inserts d and moves the contract from -> in_review.
	SubmitDeliverable(ctx context.Context, d *Deliverable, from Status) (*Contract, error)
	// ReviewDeliverables marks every submitted deliverable as decision and
	// moves the contract from -> to.
	ReviewDeliverables(ctx context.Context, contractID string, from, to Status, decision DeliverableStatus, feedback string, at time.Time) (*Contract, error)
	ListDeliverables(ctx context.Context, contractID string) ([]*Deliverable, error)
	CountDeliverables(ctx context.Context, contractID string, status DeliverableStatus) (int, error)

	AppendAudit(ctx context.Context, e *AuditEvent) error
	ListAudit(ctx context.Context, contractID string, limit int) ([]*AuditEvent, error)
}

// CreateRequest proposes a new draft contract.
type CreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	ClientID     string `json:"clientId"`
	FreelancerID string `json:"freelancerId"`
	TotalAmount  string `json:"totalAmount" binding:"required"`
}

// UpdateRequest edits a draft. Empty fields are left unchanged.
type UpdateRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	FreelancerID string `json:"freelancerId"`
	ClientID     string `json:"clientId"`
	TotalAmount  string `json:"totalAmount"`
}

// DeliverableRequest hands in work.
type DeliverableRequest struct {
	Title string `json:"title" binding:"required"`
	URL   string `json:"url"`
	Notes string `json:"notes"`
}

// ReasonRequest carries a free-text reason or feedback.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest settles a dispute.
type ResolveRequest struct {
	Outcome Status `json:"outcome" binding:"required"`
	Reason  string `json:"reason"`
}

// Limits bound what a single user may have open at once.
type Limits struct {
	MaxOpenPerUser int
	MinAmount      money.Amount
	MaxAmount      money.Amount
}

// DefaultLimits mirror the platform's contract policy.
var DefaultLimits = Limits{
	MaxOpenPerUser: 25,
	MinAmount:      money.MustParse("1.00"),
	MaxAmount:      money.MustParse("1000000.00"),
}
