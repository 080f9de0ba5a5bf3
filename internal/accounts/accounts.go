// Package accounts tracks each payee's connected account on the payment
// platform: capability flags, outstanding requirements and the enhanced
// identity verification (KYC) status.
//
// The platform is the source of truth for capabilities, so updates from it
// are last-write-wins. KYC status moves through an explicit mapping table.
package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
)

var (
	ErrAccountNotFound = fmt.Errorf("connected account not found: %w", apperr.ErrNotFound)
	ErrPayoutsDisabled = fmt.Errorf("payouts are not enabled for this account: %w", apperr.ErrInvalidState)
	ErrNoTransfers     = fmt.Errorf("payee cannot receive transfers yet: %w", apperr.ErrInvalidState)
)

// KYCStatus is the enhanced verification state of a payee.
type KYCStatus string

const (
	KYCNotStarted         KYCStatus = "not_started"
	KYCSessionCreated     KYCStatus = "verification_session_created"
	KYCDocumentsSubmitted KYCStatus = "documents_submitted"
	KYCUnderReview        KYCStatus = "under_review"
	KYCVerified           KYCStatus = "verified"
	KYCFailed             KYCStatus = "failed"
)

// kycMapping translates platform verification-session statuses.
var kycMapping = map[string]KYCStatus{
	"verified":       KYCVerified,
	"processing":     KYCUnderReview,
	"requires_input": KYCDocumentsSubmitted,
	"canceled":       KYCFailed,
}

// MapVerificationStatus returns the KYC status for a platform status and
// whether the platform status is known.
func MapVerificationStatus(platformStatus string) (KYCStatus, bool) {
	s, ok := kycMapping[platformStatus]
	return s, ok
}

// ConnectedAccount is one payee's account on the payment platform.
type ConnectedAccount struct {
	UserID                string    `json:"userId"`
	GatewayAccountID      string    `json:"gatewayAccountId"`
	ChargesEnabled        bool      `json:"chargesEnabled"`
	PayoutsEnabled        bool      `json:"payoutsEnabled"`
	TransfersCapability   string    `json:"transfersCapability"`
	CurrentlyDue          []string  `json:"currentlyDue"`
	PastDue               []string  `json:"pastDue"`
	EventuallyDue         []string  `json:"eventuallyDue"`
	DisabledReason        string    `json:"disabledReason,omitempty"`
	EnhancedKYCStatus     KYCStatus `json:"enhancedKycStatus"`
	VerificationSessionID string    `json:"verificationSessionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// CanPayout reports whether a payout may be attempted: payouts enabled and
// nothing currently due.
func (a *ConnectedAccount) CanPayout() bool {
	return a.PayoutsEnabled && len(a.CurrentlyDue) == 0
}

// CanReceiveTransfers reports whether escrow can be released to the account.
func (a *ConnectedAccount) CanReceiveTransfers() bool {
	return a.TransfersCapability == "active"
}

// Store persists connected accounts.
type Store interface {
	Create(ctx context.Context, a *ConnectedAccount) error
	Get(ctx context.Context, userID string) (*ConnectedAccount, error)
	GetByGatewayID(ctx context.Context, gatewayAccountID string) (*ConnectedAccount, error)
	// UpdateCapabilities overwrites the platform-owned fields of the account
	// identified by a.GatewayAccountID in a single write.
	UpdateCapabilities(ctx context.Context, a *ConnectedAccount) (*ConnectedAccount, error)
	// SetKYC records a KYC status, and the session id when non-empty.
	SetKYC(ctx context.Context, userID string, status KYCStatus, sessionID string, at time.Time) (*ConnectedAccount, error)
	GetBySession(ctx context.Context, sessionID string) (*ConnectedAccount, error)
}

// OnboardRequest starts onboarding.
type OnboardRequest struct {
	Email   string `json:"email"`
	Country string `json:"country"`
}

// OnboardResult is the account plus the hosted onboarding link.
type OnboardResult struct {
	Account *ConnectedAccount `json:"account"`
	URL     string            `json:"url"`
}
