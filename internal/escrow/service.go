package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/traces"
)

// SystemActor is the actor recorded for releases the worker retries.
const SystemActor = "system"

// Config holds the escrow money policy.
type Config struct {
	FeeRate  money.Rate
	Currency string
}

// Service implements the money transitions of a contract.
type Service struct {
	store     Store
	contracts contracts.Store
	gateway   payments.Gateway
	dest      Destinations
	ledger    ledger.Store
	cache     cache.Cache
	locks     *syncutil.KeyedMutex
	cfg       Config
	now       func() time.Time
}

// NewService creates an escrow service. locks must be the same keyed mutex
// the contract service uses, so every writer of a contract is serialized.
func NewService(store Store, cs contracts.Store, gateway payments.Gateway, dest Destinations,
	ledgerStore ledger.Store, c cache.Cache, locks *syncutil.KeyedMutex, cfg Config) *Service {
	if locks == nil {
		locks = syncutil.NewKeyedMutex(0)
	}
	return &Service{
		store:     store,
		contracts: cs,
		gateway:   gateway,
		dest:      dest,
		ledger:    ledgerStore,
		cache:     c,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Fund charges the client for the contract total and activates the
// contract. A charge that is still processing records a pending payment
// and leaves the contract in pending_funding until the webhook confirms it.
func (s *Service) Fund(ctx context.Context, contractID, actorID string, req FundRequest) (res *FundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.ContractID(contractID), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		observe("fund", err)
	}()

	methodID := strings.TrimSpace(req.PaymentMethodID)
	if methodID == "" {
		return nil, fmt.Errorf("payment method is required: %w", apperr.ErrInvalidInput)
	}

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clientContract(ctx, contractID, actorID)
	if err != nil {
		return nil, err
	}
	if c.IsFunded {
		return nil, ErrAlreadyFunded
	}
	if c.Status != contracts.StatusPendingFunding {
		return nil, contracts.ErrInvalidTransition
	}
	existing, err := s.store.ListPayments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Status == PaymentPending {
			return nil, ErrFundingPending
		}
	}

	// The key is stable while an attempt's outcome is unknown, so a retried
	// request cannot charge twice, and moves on once an attempt definitively
	// failed, so the platform does not replay the failure.
	attempt, err := s.store.FundingAttempt(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fee, net := s.cfg.FeeRate.Split(c.TotalAmount)
	p := &Payment{
		ID:         idgen.WithPrefix("pay_"),
		ContractID: c.ID,
		PayerID:    c.ClientID,
		PayeeID:    c.FreelancerID,
		Amount:     c.TotalAmount,
		Fee:        fee,
		FeeBPS:     s.cfg.FeeRate,
		NetAmount:  net,
		Currency:   c.Currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	charge, err := s.gateway.Charge(ctx, payments.ChargeRequest{
		Amount:          p.Amount,
		Currency:        p.Currency,
		PaymentMethodID: methodID,
		ContractID:      c.ID,
		PayerID:         actorID,
		IdempotencyKey:  fundKey(c.ID, attempt, methodID),
	})
	if err != nil {
		logging.L(ctx).Warn("funding charge failed", "contract_id", c.ID, "attempt", attempt, "error", err)
		if payments.Definitive(err) {
			s.failAttempt(ctx, c.ID)
		}
		return nil, err
	}
	p.PaymentIntentID = charge.PaymentIntentID

	if charge.Status == payments.ChargeProcessing {
		p.Status = PaymentPending
		if err = s.store.RecordPendingFunding(ctx, p); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("funding charge processing", "contract_id", c.ID, "payment_intent_id", p.PaymentIntentID)
		return &FundResult{Contract: c, Payment: p, Pending: true}, nil
	}

	p.Status = PaymentFunded
	p.FundedAt = &now
	funded, err := s.store.FundContract(ctx, p)
	if err != nil {
		s.reverseCharge(ctx, p, "fund-reversal:"+p.PaymentIntentID, err)
		s.failAttempt(ctx, c.ID)
		return nil, mapConflict(err)
	}

	metrics.ContractTransitionsTotal.WithLabelValues(string(contracts.StatusPendingFunding), string(contracts.StatusActive)).Inc()
	metrics.EscrowAmountCents.WithLabelValues("fund").Add(float64(money.ToCents(p.Amount)))
	s.audit(ctx, c.ID, actorID, "funded", contracts.StatusPendingFunding, contracts.StatusActive, money.Format(p.Amount))
	s.invalidate(ctx, p)
	logging.L(ctx).Info("contract funded", "contract_id", c.ID, "payment_id", p.ID, "amount", money.Format(p.Amount))
	return &FundResult{Contract: funded, Payment: p}, nil
}

func fundKey(contractID string, attempt int, methodID string) string {
	return "fund:" + contractID + ":" + strconv.Itoa(attempt) + ":" + methodID
}

// failAttempt retires the current funding key. If the bump is lost the next
// request replays the failure, which is safe and visible to the client.
func (s *Service) failAttempt(ctx context.Context, contractID string) {
	if err := s.store.RecordFailedFunding(ctx, contractID); err != nil {
		logging.L(ctx).Error("failed to record funding attempt", "contract_id", contractID, "error", err)
	}
}

// reverseCharge refunds a charge whose local write failed. The charge
// already succeeded, so a failed reversal needs an operator.
func (s *Service) reverseCharge(ctx context.Context, p *Payment, key string, cause error) {
	_, err := s.gateway.Refund(ctx, payments.RefundRequest{
		PaymentIntentID: p.PaymentIntentID,
		Amount:          p.Amount,
		Reason:          "funding could not be recorded",
		IdempotencyKey:  key,
	})
	if err != nil {
		logging.L(ctx).Error("charge reversal failed, manual refund required",
			"contract_id", p.ContractID, "payment_intent_id", p.PaymentIntentID,
			"cause", cause, "error", err)
		return
	}
	metrics.EscrowOperationsTotal.WithLabelValues("fund_reversal", "ok").Inc()
	logging.L(ctx).Warn("charge reversed", "contract_id", p.ContractID,
		"payment_intent_id", p.PaymentIntentID, "cause", cause)
}

// Release transfers amount, or all remaining escrow, to the freelancer.
// Only the client may release. The slice that drains the escrow completes
// the contract.
func (s *Service) Release(ctx context.Context, contractID, actorID string, req ReleaseRequest) (res *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.ContractID(contractID), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		observe("release", err)
	}()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clientContract(ctx, contractID, actorID)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, c, actorID, req.Amount)
}

// release runs with the contract lock held.
func (s *Service) release(ctx context.Context, c *contracts.Contract, actorID, rawAmount string) (*ReleaseResult, error) {
	if !releasable[c.Status] {
		return nil, contracts.ErrInvalidTransition
	}
	p, err := s.holdingPayment(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	gross, err := sliceAmount(p, rawAmount)
	if err != nil {
		return nil, err
	}
	fee := p.SliceFee(gross)
	net := gross.Sub(fee)

	var transferID string
	if net.IsPositive() {
		dest, err := s.dest.TransferDestination(ctx, p.PayeeID)
		if err != nil {
			return nil, err
		}
		tr, err := s.gateway.Transfer(ctx, payments.TransferRequest{
			Amount:             net,
			Currency:           p.Currency,
			DestinationAccount: dest,
			ContractID:         c.ID,
			PaymentID:          p.ID,
			IdempotencyKey:     "release:" + p.ID + ":" + strconv.Itoa(p.Version),
		})
		if err != nil {
			logging.L(ctx).Warn("release transfer failed", "contract_id", c.ID, "payment_id", p.ID, "error", err)
			return nil, err
		}
		transferID = tr.TransferID
	}

	now := s.now()
	next := clonePayment(p)
	next.ReleasedAmount = next.ReleasedAmount.Add(gross)
	next.ReleasedNet = next.ReleasedNet.Add(net)
	next.FeeRetained = next.FeeRetained.Add(fee)
	next.UpdatedAt = now
	drained := next.Remaining().IsZero()
	if drained {
		next.Status = PaymentReleased
		next.ReleasedAt = &now
	} else {
		next.Status = PaymentHeld
	}

	po := &Payout{
		ID:         idgen.WithPrefix("pyt_"),
		ContractID: c.ID,
		PaymentID:  p.ID,
		PayeeID:    p.PayeeID,
		Amount:     gross,
		Fee:        fee,
		Net:        net,
		TransferID: transferID,
		Status:     PayoutPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if transferID == "" {
		po.Status = PayoutCompleted
	}

	w := &ReleaseWrite{Payment: next, Payout: po, At: now}
	if drained && c.Status != contracts.StatusCompleted {
		w.CompleteFrom = c.Status
	}
	updated, contract, err := s.store.ApplyRelease(ctx, w)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, ErrStaleEscrow
		}
		logging.L(ctx).Error("transfer made but release not recorded",
			"contract_id", c.ID, "payment_id", p.ID, "transfer_id", transferID, "error", err)
		return nil, err
	}

	metrics.EscrowAmountCents.WithLabelValues("release").Add(float64(money.ToCents(gross)))
	s.audit(ctx, c.ID, actorID, "escrow_released", c.Status, contract.Status, money.Format(gross))
	if w.CompleteFrom != "" {
		metrics.ContractTransitionsTotal.WithLabelValues(string(w.CompleteFrom), string(contracts.StatusCompleted)).Inc()
	}
	if contract.Status.Terminal() {
		s.settle(ctx, contract)
	}
	s.invalidate(ctx, updated)
	logging.L(ctx).Info("escrow released", "contract_id", c.ID, "payment_id", p.ID,
		"gross", money.Format(gross), "net", money.Format(net), "transfer_id", transferID)
	return &ReleaseResult{Contract: contract, Payment: updated, Payout: po}, nil
}

// Refund returns amount gross, or everything still held, to the client
// minus the platform fee share of that slice. Draining the escrow cancels
// the contract.
func (s *Service) Refund(ctx context.Context, contractID, actorID string, req RefundRequest) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.ContractID(contractID), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		observe("refund", err)
	}()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clientContract(ctx, contractID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.IsFunded {
		return nil, ErrNotFunded
	}
	if !refundable[c.Status] {
		return nil, contracts.ErrInvalidTransition
	}
	p, err := s.holdingPayment(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	gross, err := sliceAmount(p, req.Amount)
	if err != nil {
		return nil, err
	}
	fee := p.SliceFee(gross)
	back := gross.Sub(fee)
	reason := strings.TrimSpace(req.Reason)

	var refundID string
	if back.IsPositive() {
		r, err := s.gateway.Refund(ctx, payments.RefundRequest{
			PaymentIntentID: p.PaymentIntentID,
			Amount:          back,
			Reason:          reason,
			IdempotencyKey:  "refund:" + p.ID + ":" + strconv.Itoa(p.Version),
		})
		if err != nil {
			logging.L(ctx).Warn("refund failed", "contract_id", c.ID, "payment_id", p.ID, "error", err)
			return nil, err
		}
		refundID = r.RefundID
	}

	now := s.now()
	next := clonePayment(p)
	next.RefundedGross = next.RefundedGross.Add(gross)
	next.RefundedAmount = next.RefundedAmount.Add(back)
	next.FeeRetained = next.FeeRetained.Add(fee)
	next.UpdatedAt = now
	drained := next.Remaining().IsZero()
	if drained {
		next.Status = PaymentRefunded
		next.RefundedAt = &now
	} else {
		next.Status = PaymentHeld
	}

	w := &RefundWrite{Payment: next, At: now}
	if drained && contracts.CanTransition(c.Status, contracts.StatusCancelled) {
		w.CancelFrom = c.Status
	}
	updated, contract, err := s.store.ApplyRefund(ctx, w)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, ErrStaleEscrow
		}
		logging.L(ctx).Error("refund made but not recorded",
			"contract_id", c.ID, "payment_id", p.ID, "refund_id", refundID, "error", err)
		return nil, err
	}

	metrics.EscrowAmountCents.WithLabelValues("refund").Add(float64(money.ToCents(back)))
	s.audit(ctx, c.ID, actorID, "escrow_refunded", c.Status, contract.Status, reason)
	if w.CancelFrom != "" {
		metrics.ContractTransitionsTotal.WithLabelValues(string(w.CancelFrom), string(contracts.StatusCancelled)).Inc()
	}
	if contract.Status.Terminal() {
		s.settle(ctx, contract)
	}
	s.invalidate(ctx, updated)
	logging.L(ctx).Info("escrow refunded", "contract_id", c.ID, "payment_id", p.ID,
		"gross", money.Format(gross), "refunded", money.Format(back))
	return &RefundResult{Contract: contract, Payment: updated, Refunded: back, RefundID: refundID}, nil
}

// Complete closes the contract and releases what is left in escrow. The
// completion and a release intent commit together; if the release then
// fails the contract stays completed and the worker retries the intent.
func (s *Service) Complete(ctx context.Context, contractID, actorID string) (res *CompleteResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Complete", traces.ContractID(contractID), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		observe("complete", err)
	}()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clientContract(ctx, contractID, actorID)
	if err != nil {
		return nil, err
	}
	if !completable[c.Status] {
		return nil, contracts.ErrInvalidTransition
	}
	approved, err := s.contracts.CountDeliverables(ctx, c.ID, contracts.DeliverableApproved)
	if err != nil {
		return nil, err
	}
	if approved == 0 {
		return nil, ErrNotApproved
	}

	now := s.now()
	var intent *ReleaseIntent
	if _, herr := s.holdingPayment(ctx, c.ID); herr == nil {
		intent = &ReleaseIntent{
			ID:         idgen.WithPrefix("ri_"),
			ContractID: c.ID,
			Status:     IntentPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	completed, err := s.store.CompleteContract(ctx, c.ID, c.Status, intent, now)
	if err != nil {
		return nil, mapConflict(err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(c.Status), string(contracts.StatusCompleted)).Inc()
	s.audit(ctx, c.ID, actorID, "completed", c.Status, contracts.StatusCompleted, "")

	if intent == nil {
		s.settle(ctx, completed)
		return &CompleteResult{Contract: completed}, nil
	}
	s.refreshIntentGauge(ctx)

	rel, rerr := s.release(ctx, completed, actorID, "")
	if rerr != nil {
		logging.L(ctx).Warn("release after completion failed, left for retry",
			"contract_id", c.ID, "intent_id", intent.ID, "error", rerr)
		if ferr := s.store.FailIntent(ctx, intent.ID, rerr.Error(), s.now()); ferr != nil {
			logging.L(ctx).Error("failed to record release attempt", "intent_id", intent.ID, "error", ferr)
		}
		return &CompleteResult{Contract: completed, ReleasePending: true}, nil
	}
	s.resolveIntent(ctx, intent.ID)
	return &CompleteResult{Contract: rel.Contract, Payout: rel.Payout}, nil
}

// ProcessIntent retries the release a completed contract still owes.
func (s *Service) ProcessIntent(ctx context.Context, ri *ReleaseIntent) error {
	unlock, err := s.locks.LockContext(ctx, ri.ContractID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := s.contracts.Get(ctx, ri.ContractID)
	if err != nil {
		return err
	}
	_, err = s.release(ctx, c, SystemActor, "")
	if err == nil || errors.Is(err, ErrNotFunded) {
		s.resolveIntent(ctx, ri.ID)
		return nil
	}
	if ferr := s.store.FailIntent(ctx, ri.ID, err.Error(), s.now()); ferr != nil {
		logging.L(ctx).Error("failed to record release attempt", "intent_id", ri.ID, "error", ferr)
	}
	return err
}

// PendingIntents lists the releases still owed to completed contracts,
// oldest first.
func (s *Service) PendingIntents(ctx context.Context, limit int) ([]*ReleaseIntent, error) {
	return s.store.ListPendingIntents(ctx, limit)
}

func (s *Service) resolveIntent(ctx context.Context, id string) {
	if err := s.store.ResolveIntent(ctx, id, s.now()); err != nil {
		logging.L(ctx).Error("failed to resolve release intent", "intent_id", id, "error", err)
	}
	s.refreshIntentGauge(ctx)
}

func (s *Service) refreshIntentGauge(ctx context.Context) {
	if n, err := s.store.CountPendingIntents(ctx); err == nil {
		metrics.PendingReleaseIntents.Set(float64(n))
	}
}

// View returns the escrow state of a contract visible to actorID.
func (s *Service) View(ctx context.Context, contractID, actorID string) (*View, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(actorID) {
		return nil, contracts.ErrContractNotFound
	}
	pays, err := s.store.ListPayments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.store.ListPayouts(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	remaining := money.Zero
	for _, p := range pays {
		if p.Status.Holding() {
			remaining = remaining.Add(p.Remaining())
		}
	}
	_, ierr := s.store.GetPendingIntent(ctx, c.ID)
	return &View{
		ContractID:     c.ID,
		Payments:       pays,
		Payouts:        payouts,
		Remaining:      money.Format(remaining),
		ReleasePending: ierr == nil,
	}, nil
}

// --- helpers ---

// clientContract loads the contract for a client-only money move.
func (s *Service) clientContract(ctx context.Context, id, actorID string) (*contracts.Contract, error) {
	c, err := s.contracts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.RoleOf(actorID) {
	case contracts.RoleClient:
		return c, nil
	case contracts.RoleFreelancer:
		return nil, contracts.ErrClientOnly
	}
	return nil, contracts.ErrContractNotFound
}

// holdingPayment returns the payment still holding money for a contract.
func (s *Service) holdingPayment(ctx context.Context, contractID string) (*Payment, error) {
	pays, err := s.store.ListPayments(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for _, p := range pays {
		if p.Status.Holding() && p.Remaining().IsPositive() {
			return p, nil
		}
	}
	return nil, ErrNotFunded
}

// sliceAmount parses an optional amount against what is still held.
func sliceAmount(p *Payment, raw string) (money.Amount, error) {
	remaining := p.Remaining()
	if strings.TrimSpace(raw) == "" {
		return remaining, nil
	}
	amount, err := money.Parse(raw)
	if err != nil {
		return money.Zero, fmt.Errorf("amount %q: %w", raw, apperr.ErrInvalidAmount)
	}
	if !amount.IsPositive() {
		return money.Zero, ErrAmountNotPos
	}
	if amount.GreaterThan(remaining) {
		return money.Zero, ErrAmountTooLarge
	}
	return amount, nil
}

// settle writes the payee's earning for a contract that reached a terminal
// status. The ledger is rebuilt by the balance sync, so failures are logged.
func (s *Service) settle(ctx context.Context, c *contracts.Contract) {
	earnings, err := s.store.ListEarnings(ctx, c.FreelancerID)
	if err != nil {
		logging.L(ctx).Warn("failed to read earnings", "contract_id", c.ID, "error", err)
		return
	}
	for _, e := range earnings {
		if e.ContractID != c.ID {
			continue
		}
		if err := s.ledger.Upsert(ctx, EarningEntry(e)); err != nil {
			logging.L(ctx).Warn("failed to write earning ledger entry", "contract_id", c.ID, "error", err)
		}
	}
}

// EarningEntry is the ledger form of an earning.
func EarningEntry(e *Earning) *ledger.Entry {
	return &ledger.Entry{
		Reference: ledger.EarningRef(e.ContractID),
		UserID:    e.UserID,
		Kind:      ledger.KindEarning,
		Amount:    e.Amount,
		Status:    "settled",
		UpdatedAt: e.SettledAt,
	}
}

func (s *Service) invalidate(ctx context.Context, p *Payment) {
	cache.InvalidateUsers(ctx, s.cache, p.PayerID, p.PayeeID)
}

// audit records an event. The money move has already committed, so a
// failed audit write is logged rather than surfaced.
func (s *Service) audit(ctx context.Context, contractID, actorID, action string, from, to contracts.Status, detail string) {
	err := s.contracts.AppendAudit(ctx, &contracts.AuditEvent{
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

func mapConflict(err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return contracts.ErrInvalidTransition
	}
	return err
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.EscrowOperationsTotal.WithLabelValues(op, outcome).Inc()
}
