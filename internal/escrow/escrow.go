// Package escrow moves money for a contract: funding it through a gateway
// charge, releasing slices to the freelancer's connected account, refunding
// the client and completing the contract.
//
// Flow:
//  1. Client funds a pending_funding contract -> charge -> contract active,
//     payment funded
//  2. Client releases all or part of the escrow -> transfer -> payout record;
//     the last slice completes the contract
//  3. Client refunds what is still held -> gateway refund minus the
//     platform fee share; a full refund cancels the contract
//  4. Complete closes the contract and leaves a release intent that the
//     worker retries until the remaining escrow is transferred
//
// Every money move calls the gateway first and commits locally only after
// it succeeded. Local writes are compare-and-swap on the contract status
// and the payment version.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/money"
)

var (
	ErrPaymentNotFound = fmt.Errorf("escrow payment not found: %w", apperr.ErrNotFound)
	ErrPayoutNotFound  = fmt.Errorf("payout not found: %w", apperr.ErrNotFound)
	ErrIntentNotFound  = fmt.Errorf("release intent not found: %w", apperr.ErrNotFound)
	ErrNotFunded       = fmt.Errorf("contract has no funds in escrow: %w", apperr.ErrInvalidState)
	ErrAlreadyFunded   = fmt.Errorf("contract is already funded: %w", apperr.ErrInvalidState)
	ErrFundingPending  = fmt.Errorf("a charge for this contract is still processing: %w", apperr.ErrInvalidState)
	ErrNotApproved     = fmt.Errorf("no approved deliverable: %w", apperr.ErrInvalidState)
	ErrStaleEscrow     = fmt.Errorf("escrow changed concurrently: %w", apperr.ErrInvalidState)
	ErrAmountTooLarge  = fmt.Errorf("amount exceeds the remaining escrow: %w", apperr.ErrInvalidAmount)
	ErrAmountNotPos    = fmt.Errorf("amount must be greater than zero: %w", apperr.ErrInvalidAmount)
)

// PaymentStatus is the lifecycle state of an escrow payment.
type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "pending"  // charge still processing
	PaymentFunded         PaymentStatus = "funded"   // fully held
	PaymentHeld           PaymentStatus = "held"     // partly released or refunded
	PaymentReleased       PaymentStatus = "released" // drained by a release
	PaymentRefunded       PaymentStatus = "refunded" // drained by a refund
	PaymentTransferFailed PaymentStatus = "transfer_failed"
)

// Holding reports whether a payment in this status may still hold money.
// A failed transfer puts its slice back, so transfer_failed holds too.
func (s PaymentStatus) Holding() bool {
	return s == PaymentFunded || s == PaymentHeld || s == PaymentTransferFailed
}

// Payment is the money a client put into escrow for a contract.
//
// Fee and NetAmount are fixed when the payment is created. Every released
// or refunded slice takes its share of the fee out of Fee-FeeRetained, so
// the shares always add up to Fee exactly.
type Payment struct {
	ID              string        `json:"id"`
	ContractID      string        `json:"contractId"`
	PayerID         string        `json:"payerId"`
	PayeeID         string        `json:"payeeId"`
	Amount          money.Amount  `json:"amount"`
	Fee             money.Amount  `json:"fee"`
	FeeBPS          money.Rate    `json:"feeBps"`
	NetAmount       money.Amount  `json:"netAmount"`
	ReleasedAmount  money.Amount  `json:"releasedAmount"` // gross
	ReleasedNet     money.Amount  `json:"releasedNet"`
	RefundedGross   money.Amount  `json:"refundedGross"`
	RefundedAmount  money.Amount  `json:"refundedAmount"` // returned to the client
	FeeRetained     money.Amount  `json:"feeRetained"`
	Currency        string        `json:"currency"`
	Status          PaymentStatus `json:"status"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty"`
	Version         int           `json:"version"`
	FundedAt        *time.Time    `json:"fundedAt,omitempty"`
	ReleasedAt      *time.Time    `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time    `json:"refundedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Remaining is the gross amount still held.
func (p *Payment) Remaining() money.Amount {
	return p.Amount.Sub(p.ReleasedAmount).Sub(p.RefundedGross)
}

// FeeOwed is the part of the fee not yet assigned to a slice.
func (p *Payment) FeeOwed() money.Amount {
	return p.Fee.Sub(p.FeeRetained)
}

// SliceFee is the platform fee carried by a gross slice of the remaining
// escrow. It starts from the payment's rate and is clamped so the fee still
// owed never exceeds what stays in escrow, which makes the last slice take
// exactly the remainder.
func (p *Payment) SliceFee(gross money.Amount) money.Amount {
	owed := p.FeeOwed()
	lo := owed.Sub(p.Remaining().Sub(gross))
	if lo.IsNegative() {
		lo = money.Zero
	}
	hi := money.Min(gross, owed)

	fee := p.FeeBPS.Fee(gross)
	if fee.LessThan(lo) {
		fee = lo
	}
	if fee.GreaterThan(hi) {
		fee = hi
	}
	return fee
}

// PayoutStatus is the state of a transfer to the freelancer.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// Payout is one released slice transferred to the freelancer.
type Payout struct {
	ID            string       `json:"id"`
	ContractID    string       `json:"contractId"`
	PaymentID     string       `json:"paymentId"`
	PayeeID       string       `json:"payeeId"`
	Amount        money.Amount `json:"amount"` // gross
	Fee           money.Amount `json:"fee"`
	Net           money.Amount `json:"net"`
	TransferID    string       `json:"transferId"`
	Status        PayoutStatus `json:"status"`
	FailureReason string       `json:"failureReason,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// IntentStatus is the state of a release intent.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentDone    IntentStatus = "done"
)

// ReleaseIntent records that a completed contract still owes its remaining
// escrow to the freelancer.
type ReleaseIntent struct {
	ID         string       `json:"id"`
	ContractID string       `json:"contractId"`
	Status     IntentStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"lastError,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Holding is a payment together with the status of its contract.
type Holding struct {
	Payment        *Payment
	ContractStatus contracts.Status
}

// Earning is the released net a payee earned on a settled contract.
type Earning struct {
	ContractID string       `json:"contractId"`
	UserID     string       `json:"userId"`
	Amount     money.Amount `json:"amount"`
	SettledAt  time.Time    `json:"settledAt"`
}

// ReleaseWrite is the local half of a release, committed after the
// transfer succeeded.
type ReleaseWrite struct {
	Payment      *Payment // new state; Version is the expected version
	Payout       *Payout
	CompleteFrom contracts.Status // non-empty moves the contract to completed
	At           time.Time
}

// RefundWrite is the local half of a refund.
type RefundWrite struct {
	Payment    *Payment
	CancelFrom contracts.Status // non-empty moves the contract to cancelled
	At         time.Time
}

// Store persists escrow payments, payouts and release intents. Methods that
// touch a contract do so in the same atomic write as the escrow rows.
type Store interface {
	// FundContract moves the contract pending_funding -> active, locks and
	// marks it funded, and inserts p.
	FundContract(ctx context.Context, p *Payment) (*contracts.Contract, error)
	// RecordPendingFunding inserts p while its charge is processing.
	RecordPendingFunding(ctx context.Context, p *Payment) error
	// MarkFunded confirms the pending payment with the given intent and
	// funds its contract. The bool is false when the payment was already
	// funded. apperr.ErrConflict means the contract left pending_funding.
	MarkFunded(ctx context.Context, paymentIntentID string, at time.Time) (*Payment, *contracts.Contract, bool, error)
	// DropPendingFunding deletes a payment still pending and bumps its
	// contract's funding attempt in the same write.
	DropPendingFunding(ctx context.Context, paymentIntentID string) (bool, error)
	// FundingAttempt returns how many funding charges of the contract
	// definitively failed. It scopes the charge idempotency key.
	FundingAttempt(ctx context.Context, contractID string) (int, error)
	// RecordFailedFunding bumps the contract's funding attempt.
	RecordFailedFunding(ctx context.Context, contractID string) error

	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error)
	ListPayments(ctx context.Context, contractID string) ([]*Payment, error)
	ListPayouts(ctx context.Context, contractID string) ([]*Payout, error)

	// ApplyRelease and ApplyRefund fail with apperr.ErrConflict when the
	// payment version or contract status moved.
	ApplyRelease(ctx context.Context, w *ReleaseWrite) (*Payment, *contracts.Contract, error)
	ApplyRefund(ctx context.Context, w *RefundWrite) (*Payment, *contracts.Contract, error)

	// CompleteContract moves the contract from -> completed and, when
	// intent is not nil, records it in the same write.
	CompleteContract(ctx context.Context, contractID string, from contracts.Status, intent *ReleaseIntent, at time.Time) (*contracts.Contract, error)

	GetPayoutByTransfer(ctx context.Context, transferID string) (*Payout, error)
	// MarkTransferCompleted moves a pending payout to completed.
	MarkTransferCompleted(ctx context.Context, transferID string, at time.Time) (*Payout, bool, error)
	// MarkTransferFailed fails a payout that is not failed yet and flags its
	// payment transfer_failed.
	MarkTransferFailed(ctx context.Context, transferID, reason string, at time.Time) (*Payout, bool, error)

	ListPendingIntents(ctx context.Context, limit int) ([]*ReleaseIntent, error)
	GetPendingIntent(ctx context.Context, contractID string) (*ReleaseIntent, error)
	ResolveIntent(ctx context.Context, id string, at time.Time) error
	FailIntent(ctx context.Context, id, lastError string, at time.Time) error
	CountPendingIntents(ctx context.Context) (int, error)

	// ListHoldings returns the payments where userID is payer or payee.
	ListHoldings(ctx context.Context, userID string) ([]*Holding, error)
	// ListEarnings sums non-failed payouts per settled contract. An empty
	// userID lists every payee.
	ListEarnings(ctx context.Context, userID string) ([]*Earning, error)
}

// Destinations resolves where a payee's transfers go.
type Destinations interface {
	TransferDestination(ctx context.Context, userID string) (string, error)
}

// FundRequest carries the payment method the client pays with.
type FundRequest struct {
	PaymentMethodID string `json:"paymentMethodId" binding:"required"`
}

// ReleaseRequest releases Amount, or everything remaining when empty.
type ReleaseRequest struct {
	Amount string `json:"amount"`
}

// RefundRequest refunds Amount gross, or everything remaining when empty.
type RefundRequest struct {
	Reason string `json:"reason"`
	Amount string `json:"amount"`
}

// FundResult reports whether funding completed or is awaiting the charge.
type FundResult struct {
	Contract *contracts.Contract `json:"contract"`
	Payment  *Payment            `json:"payment"`
	Pending  bool                `json:"pending"`
}

// ReleaseResult is the outcome of a release.
type ReleaseResult struct {
	Contract *contracts.Contract `json:"contract"`
	Payment  *Payment            `json:"payment"`
	Payout   *Payout             `json:"payout"`
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	Contract *contracts.Contract `json:"contract"`
	Payment  *Payment            `json:"payment"`
	Refunded money.Amount        `json:"refunded"`
	RefundID string              `json:"refundId,omitempty"`
}

// CompleteResult is the outcome of Complete. ReleasePending is true when
// the automatic release failed and was left to the worker.
type CompleteResult struct {
	Contract       *contracts.Contract `json:"contract"`
	Payout         *Payout             `json:"payout,omitempty"`
	ReleasePending bool                `json:"releasePending"`
}

// View is the escrow state of one contract.
type View struct {
	ContractID     string     `json:"contractId"`
	Payments       []*Payment `json:"payments"`
	Payouts        []*Payout  `json:"payouts"`
	Remaining      string     `json:"remaining"`
	ReleasePending bool       `json:"releasePending"`
}

// releasable are the contract statuses a release may start from.
var releasable = map[contracts.Status]bool{
	contracts.StatusActive:            true,
	contracts.StatusPendingDelivery:   true,
	contracts.StatusInReview:          true,
	contracts.StatusRevisionRequested: true,
	contracts.StatusPendingCompletion: true,
	contracts.StatusCompleted:         true,
}

// refundable are the contract statuses a refund may start from.
var refundable = map[contracts.Status]bool{
	contracts.StatusActive:            true,
	contracts.StatusPendingDelivery:   true,
	contracts.StatusInReview:          true,
	contracts.StatusRevisionRequested: true,
	contracts.StatusCancelled:         true,
	contracts.StatusDisputed:          true,
}

// completable are the contract statuses Complete accepts.
var completable = map[contracts.Status]bool{
	contracts.StatusActive:            true,
	contracts.StatusInReview:          true,
	contracts.StatusPendingDelivery:   true,
	contracts.StatusPendingCompletion: true,
}
