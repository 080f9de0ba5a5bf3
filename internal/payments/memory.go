package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/gigescrow/internal/apperr"
)

// MemoryGateway is a deterministic in-process gateway for development and
// tests. Calls with a repeated idempotency key replay the first result,
// refusals included, the same way the real platform does.
type MemoryGateway struct {
	mu       sync.Mutex
	seq      int
	failures map[string][]error
	replies  map[string]any
	accounts map[string]*AccountInfo

	// ChargeStatus is returned by Charge; defaults to ChargeSucceeded.
	ChargeStatus ChargeStatus
	// AutoEnable makes new connected accounts fully enabled at creation.
	AutoEnable bool

	Charges   []ChargeRequest
	Transfers []TransferRequest
	Refunds   []RefundRequest
	Payouts   []PayoutRequest
}

// NewMemoryGateway creates an in-process gateway with auto-enabled accounts.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		failures:     make(map[string][]error),
		replies:      make(map[string]any),
		accounts:     make(map[string]*AccountInfo),
		ChargeStatus: ChargeSucceeded,
		AutoEnable:   true,
	}
}

// FailNext makes the next call of op fail with a GatewayError wrapping err,
// or with err itself when it already is one. Calls queue up: FailNext twice
// fails the next two calls.
func (g *MemoryGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

// SetAccount overwrites the platform-side state of a connected account.
func (g *MemoryGateway) SetAccount(info AccountInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := info
	g.accounts[info.ID] = &cp
}

// Calls returns how many calls of op were recorded.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch op {
	case OpCharge:
		return len(g.Charges)
	case OpTransfer:
		return len(g.Transfers)
	case OpRefund:
		return len(g.Refunds)
	case OpPayout:
		return len(g.Payouts)
	}
	return 0
}

func (g *MemoryGateway) Charge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := OpCharge + req.IdempotencyKey
	if err := g.fail(OpCharge); err != nil {
		if Definitive(err) {
			g.replies[key] = err
		}
		return nil, err
	}
	switch r := g.replies[key].(type) {
	case *ChargeResult:
		cp := *r
		return &cp, nil
	case error:
		return nil, r
	}
	g.Charges = append(g.Charges, req)
	r := &ChargeResult{PaymentIntentID: g.id("pi"), Status: g.ChargeStatus}
	g.replies[key] = r
	cp := *r
	return &cp, nil
}

func (g *MemoryGateway) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpTransfer); err != nil {
		return nil, err
	}
	if r, ok := g.replies[OpTransfer+req.IdempotencyKey].(*TransferResult); ok {
		cp := *r
		return &cp, nil
	}
	g.Transfers = append(g.Transfers, req)
	r := &TransferResult{TransferID: g.id("tr")}
	g.replies[OpTransfer+req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

func (g *MemoryGateway) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpRefund); err != nil {
		return nil, err
	}
	if r, ok := g.replies[OpRefund+req.IdempotencyKey].(*RefundResult); ok {
		cp := *r
		return &cp, nil
	}
	g.Refunds = append(g.Refunds, req)
	r := &RefundResult{RefundID: g.id("re")}
	g.replies[OpRefund+req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

func (g *MemoryGateway) Payout(_ context.Context, req PayoutRequest) (*PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpPayout); err != nil {
		return nil, err
	}
	if r, ok := g.replies[OpPayout+req.IdempotencyKey].(*PayoutResult); ok {
		cp := *r
		return &cp, nil
	}
	g.Payouts = append(g.Payouts, req)
	r := &PayoutResult{PayoutID: g.id("po"), Status: "pending"}
	g.replies[OpPayout+req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

func (g *MemoryGateway) CreateConnectedAccount(_ context.Context, req CreateAccountRequest) (*AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpCreateAccount); err != nil {
		return nil, err
	}
	info := &AccountInfo{ID: g.id("acct"), TransfersCapability: "inactive",
		CurrentlyDue: []string{"external_account", "individual.verification.document"}}
	if g.AutoEnable {
		info = &AccountInfo{ID: info.ID, ChargesEnabled: true, PayoutsEnabled: true, TransfersCapability: "active"}
	}
	g.accounts[info.ID] = info
	return cloneAccount(info), nil
}

func (g *MemoryGateway) CreateOnboardingLink(_ context.Context, accountID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpOnboardingLink); err != nil {
		return "", err
	}
	return "https://connect.example.test/onboard/" + accountID, nil
}

func (g *MemoryGateway) GetConnectedAccount(_ context.Context, accountID string) (*AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpGetAccount); err != nil {
		return nil, err
	}
	info, ok := g.accounts[accountID]
	if !ok {
		return nil, &apperr.GatewayError{Op: OpGetAccount, Code: "resource_missing",
			Err: fmt.Errorf("no such account %s", accountID)}
	}
	return cloneAccount(info), nil
}

func (g *MemoryGateway) CreateVerificationSession(_ context.Context, _ string) (*VerificationSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fail(OpVerificationSession); err != nil {
		return nil, err
	}
	id := g.id("vs")
	return &VerificationSession{ID: id, URL: "https://verify.example.test/" + id, Status: "requires_input"}, nil
}

func (g *MemoryGateway) fail(op string) error {
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.failures[op] = queue[1:]
	var gwErr *apperr.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &apperr.GatewayError{Op: op, Code: "injected", Err: err}
}

func (g *MemoryGateway) id(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_mem_%06d", prefix, g.seq)
}

func cloneAccount(a *AccountInfo) *AccountInfo {
	cp := *a
	cp.CurrentlyDue = append([]string(nil), a.CurrentlyDue...)
	cp.PastDue = append([]string(nil), a.PastDue...)
	cp.EventuallyDue = append([]string(nil), a.EventuallyDue...)
	return &cp
}

var _ Gateway = (*MemoryGateway)(nil)
