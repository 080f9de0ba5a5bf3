package escrow

import (
	"context"
	"errors"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/traces"
)

// The methods below apply gateway events. Each one is idempotent: the bool
// result is false when the event changed nothing.

// ConfirmFunding funds the contract whose processing charge succeeded. If
// the contract left pending_funding in the meantime the charge is refunded.
func (s *Service) ConfirmFunding(ctx context.Context, paymentIntentID string) (changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmFunding", traces.PaymentID(paymentIntentID))
	defer func() { traces.End(span, err) }()

	p, err := s.store.GetPaymentByIntent(ctx, paymentIntentID)
	if err != nil {
		return false, err
	}
	unlock, err := s.locks.LockContext(ctx, p.ContractID)
	if err != nil {
		return false, err
	}
	defer unlock()

	funded, c, changed, err := s.store.MarkFunded(ctx, paymentIntentID, s.now())
	if errors.Is(err, apperr.ErrConflict) {
		logging.L(ctx).Warn("charge succeeded for a contract no longer awaiting funds",
			"contract_id", p.ContractID, "payment_intent_id", paymentIntentID)
		s.reverseCharge(ctx, p, "fund-reversal:"+paymentIntentID, err)
		if _, derr := s.store.DropPendingFunding(ctx, paymentIntentID); derr != nil {
			return false, derr
		}
		return true, nil
	}
	if err != nil || !changed {
		return false, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("fund", "ok").Inc()
	metrics.EscrowAmountCents.WithLabelValues("fund").Add(float64(money.ToCents(funded.Amount)))
	metrics.ContractTransitionsTotal.WithLabelValues(string(contracts.StatusPendingFunding), string(contracts.StatusActive)).Inc()
	s.audit(ctx, c.ID, funded.PayerID, "funded", contracts.StatusPendingFunding, contracts.StatusActive, money.Format(funded.Amount))
	s.invalidate(ctx, funded)
	logging.L(ctx).Info("contract funded by webhook", "contract_id", c.ID, "payment_id", funded.ID)
	return true, nil
}

// DropPendingFunding forgets a processing charge that failed, so the client
// can fund again.
func (s *Service) DropPendingFunding(ctx context.Context, paymentIntentID string) (bool, error) {
	p, err := s.store.GetPaymentByIntent(ctx, paymentIntentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	dropped, err := s.store.DropPendingFunding(ctx, paymentIntentID)
	if err != nil || !dropped {
		return false, err
	}
	s.invalidate(ctx, p)
	logging.L(ctx).Info("pending funding dropped", "contract_id", p.ContractID, "payment_intent_id", paymentIntentID)
	return true, nil
}

// TransferSucceeded marks the payout behind transferID completed.
func (s *Service) TransferSucceeded(ctx context.Context, transferID string) (bool, error) {
	po, changed, err := s.store.MarkTransferCompleted(ctx, transferID, s.now())
	if err != nil || !changed {
		return false, err
	}
	cache.InvalidateUsers(ctx, s.cache, po.PayeeID)
	return true, nil
}

// TransferFailed fails the payout and puts its slice back into escrow so
// the client can release it again.
func (s *Service) TransferFailed(ctx context.Context, transferID, reason string) (changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TransferFailed")
	defer func() { traces.End(span, err) }()

	existing, err := s.store.GetPayoutByTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	unlock, err := s.locks.LockContext(ctx, existing.ContractID)
	if err != nil {
		return false, err
	}
	defer unlock()

	po, changed, err := s.store.MarkTransferFailed(ctx, transferID, reason, s.now())
	if err != nil || !changed {
		return false, err
	}
	metrics.EscrowOperationsTotal.WithLabelValues("transfer_failed", "ok").Inc()
	s.audit(ctx, po.ContractID, SystemActor, "transfer_failed", "", "", reason)

	if c, err := s.contracts.Get(ctx, po.ContractID); err == nil && c.Status.Terminal() {
		s.resettle(ctx, c)
	}
	p, err := s.store.GetPayment(ctx, po.PaymentID)
	if err == nil {
		s.invalidate(ctx, p)
	}
	logging.L(ctx).Warn("transfer failed, slice returned to escrow",
		"contract_id", po.ContractID, "payout_id", po.ID, "transfer_id", transferID, "reason", reason)
	return true, nil
}

// resettle rewrites the earning after a payout was reversed. A contract
// left with no earning gets a zero entry, so the stale amount is cleared.
func (s *Service) resettle(ctx context.Context, c *contracts.Contract) {
	earnings, err := s.store.ListEarnings(ctx, c.FreelancerID)
	if err != nil {
		logging.L(ctx).Warn("failed to read earnings", "contract_id", c.ID, "error", err)
		return
	}
	e := &Earning{ContractID: c.ID, UserID: c.FreelancerID, Amount: money.Zero, SettledAt: settledAt(c)}
	for _, got := range earnings {
		if got.ContractID == c.ID {
			e = got
		}
	}
	if err := s.ledger.Upsert(ctx, EarningEntry(e)); err != nil {
		logging.L(ctx).Warn("failed to write earning ledger entry", "contract_id", c.ID, "error", err)
	}
}
