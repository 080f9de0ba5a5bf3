// Package payments is the client side of the payment platform: charges,
// transfers to connected accounts, refunds, payouts, account onboarding and
// identity verification.
//
// Every call carries an idempotency key chosen by the caller, so a retried
// request never duplicates money movement on the platform side.
package payments

import (
	"context"

	"github.com/mbd888/gigescrow/internal/money"
)

// Operation names used in errors, metrics and spans.
const (
	OpCharge              = "charge"
	OpTransfer            = "transfer"
	OpRefund              = "refund"
	OpPayout              = "payout"
	OpCreateAccount       = "create_account"
	OpOnboardingLink      = "onboarding_link"
	OpGetAccount          = "get_account"
	OpVerificationSession = "verification_session"
)

// ChargeStatus is the platform-side outcome of a charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	// ChargeProcessing means the platform accepted the charge but has not
	// settled it yet; a funding webhook finishes the job.
	ChargeProcessing ChargeStatus = "processing"
)

// ChargeRequest captures money from the client into the platform balance.
type ChargeRequest struct {
	Amount          money.Amount
	Currency        string
	PaymentMethodID string
	ContractID      string
	PayerID         string
	IdempotencyKey  string
}

type ChargeResult struct {
	PaymentIntentID string
	Status          ChargeStatus
}

// TransferRequest moves released escrow to the freelancer's connected account.
type TransferRequest struct {
	Amount             money.Amount
	Currency           string
	DestinationAccount string
	ContractID         string
	PaymentID          string
	IdempotencyKey     string
}

type TransferResult struct {
	TransferID string
}

// RefundRequest returns captured money to the client.
type RefundRequest struct {
	PaymentIntentID string
	Amount          money.Amount
	Reason          string
	IdempotencyKey  string
}

type RefundResult struct {
	RefundID string
}

// PayoutRequest pays a connected account's balance out to its bank.
type PayoutRequest struct {
	Account        string
	Amount         money.Amount
	Currency       string
	WithdrawalID   string
	IdempotencyKey string
}

type PayoutResult struct {
	PayoutID string
	Status   string
}

// AccountInfo is the platform's view of a connected account.
type AccountInfo struct {
	ID                  string
	ChargesEnabled      bool
	PayoutsEnabled      bool
	TransfersCapability string // active, inactive, pending
	CurrentlyDue        []string
	PastDue             []string
	EventuallyDue       []string
	DisabledReason      string
}

// CreateAccountRequest registers a payee with the platform.
type CreateAccountRequest struct {
	UserID  string
	Email   string
	Country string
}

// VerificationSession is an enhanced identity check.
type VerificationSession struct {
	ID     string
	URL    string
	Status string
}

// Gateway is the payment platform as seen by the escrow, account and
// withdrawal services. Implementations must bound every call with a
// timeout and return an *apperr.GatewayError on failure.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)

	CreateConnectedAccount(ctx context.Context, req CreateAccountRequest) (*AccountInfo, error)
	CreateOnboardingLink(ctx context.Context, accountID string) (string, error)
	GetConnectedAccount(ctx context.Context, accountID string) (*AccountInfo, error)
	CreateVerificationSession(ctx context.Context, userID string) (*VerificationSession, error)
}
