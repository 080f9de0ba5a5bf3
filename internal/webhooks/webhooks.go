// Package webhooks reconciles local state with events pushed by the payment
// platform.
//
// Every event is verified against the signing secret of its endpoint
// before its body is parsed. Handlers are idempotent and guarded on the
// current status of the record they touch, so duplicate and out-of-order
// deliveries converge on the same state. A handler error is answered with
// a non-2xx status so the platform redelivers.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/gigescrow/internal/accounts"
	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

// Event results reported to metrics.
const (
	ResultProcessed        = "processed"
	ResultDuplicate        = "duplicate"
	ResultIgnored          = "ignored"
	ResultInvalidSignature = "invalid_signature"
	ResultError            = "error"
)

// Escrow is the part of the escrow service driven by platform events.
type Escrow interface {
	ConfirmFunding(ctx context.Context, paymentIntentID string) (bool, error)
	DropPendingFunding(ctx context.Context, paymentIntentID string) (bool, error)
	TransferSucceeded(ctx context.Context, transferID string) (bool, error)
	TransferFailed(ctx context.Context, transferID, reason string) (bool, error)
}

// Accounts applies connected-account and identity events.
type Accounts interface {
	ApplyGatewayAccount(ctx context.Context, info *payments.AccountInfo) (*accounts.ConnectedAccount, error)
	ApplyVerificationStatus(ctx context.Context, sessionID, userID, platformStatus string) (bool, error)
}

// Withdrawals applies payout events.
type Withdrawals interface {
	ApplyPayoutStatus(ctx context.Context, upd withdrawals.PayoutUpdate) (bool, error)
}

// EventStore remembers which events were fully processed.
type EventStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event; recording it twice is not an error.
	MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}

// Reconciler dispatches verified events to the services that own the
// affected records.
type Reconciler struct {
	events      EventStore
	escrow      Escrow
	accounts    Accounts
	withdrawals Withdrawals
	now         func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(events EventStore, e Escrow, a Accounts, w Withdrawals) *Reconciler {
	return &Reconciler{
		events:      events,
		escrow:      e,
		accounts:    a,
		withdrawals: w,
		now:         time.Now,
	}
}

// HandleEvent applies one event and returns the result label. Events that
// were already processed are skipped; an event is recorded as processed
// only after its handler succeeded.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) (result string, err error) {
	eventType := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "webhooks.HandleEvent", traces.EventType(eventType))
	defer func() {
		traces.End(span, err)
		if err != nil {
			result = ResultError
		}
		metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	}()

	if event.ID != "" {
		seen, err := r.events.Seen(ctx, event.ID)
		if err != nil {
			return ResultError, err
		}
		if seen {
			return ResultDuplicate, nil
		}
	}

	handled, err := r.dispatch(ctx, event)
	if err != nil {
		logging.L(ctx).Error("webhook handler failed", "event_id", event.ID, "type", eventType, "error", err)
		return ResultError, err
	}

	if event.ID != "" {
		if err := r.events.MarkProcessed(ctx, event.ID, eventType, r.now()); err != nil {
			// The state change already committed and is idempotent, so a
			// redelivery is harmless.
			logging.L(ctx).Warn("failed to record processed event", "event_id", event.ID, "error", err)
		}
	}
	if !handled {
		return ResultIgnored, nil
	}
	logging.L(ctx).Info("webhook processed", "event_id", event.ID, "type", eventType)
	return ResultProcessed, nil
}

// dispatch routes the event by type. The bool is false for types this
// service does not act on.
func (r *Reconciler) dispatch(ctx context.Context, event stripe.Event) (bool, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var cs stripe.CheckoutSession
		if err := decode(event, &cs); err != nil {
			return false, err
		}
		if cs.PaymentIntent == nil || cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid ||
			!escrowOwned(cs.Metadata, "") {
			return false, nil
		}
		_, err := r.escrow.ConfirmFunding(ctx, cs.PaymentIntent.ID)
		return true, err

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := decode(event, &pi); err != nil {
			return false, err
		}
		if !escrowOwned(pi.Metadata, pi.TransferGroup) {
			return false, nil
		}
		_, err := r.escrow.ConfirmFunding(ctx, pi.ID)
		return true, err

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := decode(event, &pi); err != nil {
			return false, err
		}
		if !escrowOwned(pi.Metadata, pi.TransferGroup) {
			return false, nil
		}
		_, err := r.escrow.DropPendingFunding(ctx, pi.ID)
		return true, err

	case "transfer.created", "transfer.paid", "transfer.updated":
		var tr stripe.Transfer
		if err := decode(event, &tr); err != nil {
			return false, err
		}
		if !escrowOwned(tr.Metadata, tr.TransferGroup) {
			return false, nil
		}
		if tr.Reversed {
			_, err := r.escrow.TransferFailed(ctx, tr.ID, "transfer reversed")
			return true, err
		}
		_, err := r.escrow.TransferSucceeded(ctx, tr.ID)
		return true, err

	case "transfer.failed", "transfer.reversed":
		var tr stripe.Transfer
		if err := decode(event, &tr); err != nil {
			return false, err
		}
		if !escrowOwned(tr.Metadata, tr.TransferGroup) {
			return false, nil
		}
		reason := "transfer failed"
		if event.Type == "transfer.reversed" {
			reason = "transfer reversed"
		}
		_, err := r.escrow.TransferFailed(ctx, tr.ID, reason)
		return true, err

	case "account.updated":
		var acct stripe.Account
		if err := decode(event, &acct); err != nil {
			return false, err
		}
		_, err := r.accounts.ApplyGatewayAccount(ctx, payments.AccountFromStripe(&acct))
		if errors.Is(err, accounts.ErrAccountNotFound) {
			logging.L(ctx).Debug("account update for unknown account", "account_id", acct.ID)
			return false, nil
		}
		return true, err

	case "identity.verification_session.created",
		"identity.verification_session.processing",
		"identity.verification_session.requires_input",
		"identity.verification_session.verified",
		"identity.verification_session.canceled":
		var vs stripe.IdentityVerificationSession
		if err := decode(event, &vs); err != nil {
			return false, err
		}
		return r.accounts.ApplyVerificationStatus(ctx, vs.ID, vs.Metadata["user_id"], string(vs.Status))

	case "payout.created", "payout.updated", "payout.paid", "payout.failed", "payout.canceled":
		var po stripe.Payout
		if err := decode(event, &po); err != nil {
			return false, err
		}
		return r.withdrawals.ApplyPayoutStatus(ctx, withdrawals.PayoutUpdate{
			PayoutID:      po.ID,
			WithdrawalID:  po.Metadata["withdrawal_id"],
			Status:        string(po.Status),
			FailureReason: po.FailureMessage,
		})
	}
	return false, nil
}

// escrowOwned reports whether a charge or transfer was created by the escrow
// flow, which tags both with the contract id. Other objects on the same
// platform account are acknowledged without a lookup. A tagged object whose
// local row is missing still fails, so the platform redelivers it.
func escrowOwned(metadata map[string]string, transferGroup string) bool {
	return metadata["contract_id"] != "" || strings.HasPrefix(transferGroup, "ctr_")
}

func decode(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("event %s has no data object: %w", event.ID, apperr.ErrInvalidInput)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("failed to decode %s object: %v: %w", event.Type, err, apperr.ErrInvalidInput)
	}
	return nil
}

// MemoryStore is an in-memory EventStore for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]time.Time
}

var _ EventStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{processed: make(map[string]time.Time)}
}

func (m *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, eventID, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = at
	}
	return nil
}
