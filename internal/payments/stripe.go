package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/traces"
)

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	SecretKey  string
	Timeout    time.Duration
	ReturnURL  string
	RefreshURL string
	// BaseURL overrides the API host; tests point it at an httptest server.
	BaseURL string
}

// StripeGateway implements Gateway over the Stripe API.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	cfg     StripeConfig
}

// NewStripeGateway creates a gateway with its own backend. The SDK's
// internal retries are disabled: callers retry through idempotency keys.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	return &StripeGateway{
		api:     client.New(cfg.SecretKey, backends),
		timeout: cfg.Timeout,
		breaker: circuitbreaker.New(5, 30*time.Second),
		cfg:     cfg,
	}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var res *ChargeResult
	err := g.call(ctx, OpCharge, func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(money.ToCents(req.Amount)),
			Currency:      stripe.String(req.Currency),
			PaymentMethod: stripe.String(req.PaymentMethodID),
			Confirm:       stripe.Bool(true),
			TransferGroup: stripe.String(req.ContractID),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled:        stripe.Bool(true),
				AllowRedirects: stripe.String("never"),
			},
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("contract_id", req.ContractID)
		params.AddMetadata("payer_id", req.PayerID)

		pi, err := g.api.PaymentIntents.New(params)
		if err != nil {
			return err
		}
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			res = &ChargeResult{PaymentIntentID: pi.ID, Status: ChargeSucceeded}
		case stripe.PaymentIntentStatusProcessing:
			res = &ChargeResult{PaymentIntentID: pi.ID, Status: ChargeProcessing}
		default:
			// requires_action and friends need the client present; the
			// escrow flow cannot complete them server-side.
			return &apperr.GatewayError{Op: OpCharge, Code: "payment_incomplete",
				Err: fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status)}
		}
		return nil
	})
	return res, err
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var res *TransferResult
	err := g.call(ctx, OpTransfer, func(ctx context.Context) error {
		params := &stripe.TransferParams{
			Amount:        stripe.Int64(money.ToCents(req.Amount)),
			Currency:      stripe.String(req.Currency),
			Destination:   stripe.String(req.DestinationAccount),
			TransferGroup: stripe.String(req.ContractID),
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("contract_id", req.ContractID)
		params.AddMetadata("payment_id", req.PaymentID)

		tr, err := g.api.Transfers.New(params)
		if err != nil {
			return err
		}
		res = &TransferResult{TransferID: tr.ID}
		return nil
	})
	return res, err
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var res *RefundResult
	err := g.call(ctx, OpRefund, func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.PaymentIntentID),
			Amount:        stripe.Int64(money.ToCents(req.Amount)),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		if req.Reason != "" {
			params.AddMetadata("reason", req.Reason)
		}

		r, err := g.api.Refunds.New(params)
		if err != nil {
			return err
		}
		res = &RefundResult{RefundID: r.ID}
		return nil
	})
	return res, err
}

func (g *StripeGateway) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var res *PayoutResult
	err := g.call(ctx, OpPayout, func(ctx context.Context) error {
		params := &stripe.PayoutParams{
			Amount:   stripe.Int64(money.ToCents(req.Amount)),
			Currency: stripe.String(req.Currency),
		}
		params.Context = ctx
		params.SetStripeAccount(req.Account)
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("withdrawal_id", req.WithdrawalID)

		p, err := g.api.Payouts.New(params)
		if err != nil {
			return err
		}
		res = &PayoutResult{PayoutID: p.ID, Status: string(p.Status)}
		return nil
	})
	return res, err
}

func (g *StripeGateway) CreateConnectedAccount(ctx context.Context, req CreateAccountRequest) (*AccountInfo, error) {
	var res *AccountInfo
	err := g.call(ctx, OpCreateAccount, func(ctx context.Context) error {
		params := &stripe.AccountParams{
			Type:    stripe.String(string(stripe.AccountTypeExpress)),
			Country: stripe.String(req.Country),
			Email:   stripe.String(req.Email),
			Capabilities: &stripe.AccountCapabilitiesParams{
				Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
			},
		}
		params.Context = ctx
		params.SetIdempotencyKey("account:" + req.UserID)
		params.AddMetadata("user_id", req.UserID)

		acct, err := g.api.Accounts.New(params)
		if err != nil {
			return err
		}
		res = AccountFromStripe(acct)
		return nil
	})
	return res, err
}

func (g *StripeGateway) CreateOnboardingLink(ctx context.Context, accountID string) (string, error) {
	var url string
	err := g.call(ctx, OpOnboardingLink, func(ctx context.Context) error {
		params := &stripe.AccountLinkParams{
			Account:    stripe.String(accountID),
			RefreshURL: stripe.String(g.cfg.RefreshURL),
			ReturnURL:  stripe.String(g.cfg.ReturnURL),
			Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
		}
		params.Context = ctx

		link, err := g.api.AccountLinks.New(params)
		if err != nil {
			return err
		}
		url = link.URL
		return nil
	})
	return url, err
}

func (g *StripeGateway) GetConnectedAccount(ctx context.Context, accountID string) (*AccountInfo, error) {
	var res *AccountInfo
	err := g.call(ctx, OpGetAccount, func(ctx context.Context) error {
		params := &stripe.AccountParams{}
		params.Context = ctx

		acct, err := g.api.Accounts.GetByID(accountID, params)
		if err != nil {
			return err
		}
		res = AccountFromStripe(acct)
		return nil
	})
	return res, err
}

func (g *StripeGateway) CreateVerificationSession(ctx context.Context, userID string) (*VerificationSession, error) {
	var res *VerificationSession
	err := g.call(ctx, OpVerificationSession, func(ctx context.Context) error {
		params := &stripe.IdentityVerificationSessionParams{
			Type: stripe.String(string(stripe.IdentityVerificationSessionTypeDocument)),
		}
		params.Context = ctx
		params.AddMetadata("user_id", userID)

		vs, err := g.api.IdentityVerificationSessions.New(params)
		if err != nil {
			return err
		}
		res = &VerificationSession{ID: vs.ID, URL: vs.URL, Status: string(vs.Status)}
		return nil
	})
	return res, err
}

// AccountFromStripe converts an API account object. The webhook reconciler
// uses it for account.updated payloads.
func AccountFromStripe(a *stripe.Account) *AccountInfo {
	info := &AccountInfo{
		ID:             a.ID,
		ChargesEnabled: a.ChargesEnabled,
		PayoutsEnabled: a.PayoutsEnabled,
	}
	if a.Capabilities != nil {
		info.TransfersCapability = string(a.Capabilities.Transfers)
	}
	if a.Requirements != nil {
		info.CurrentlyDue = a.Requirements.CurrentlyDue
		info.PastDue = a.Requirements.PastDue
		info.EventuallyDue = a.Requirements.EventuallyDue
		info.DisabledReason = string(a.Requirements.DisabledReason)
	}
	return info
}

// call runs fn under the per-call timeout, the circuit breaker, a span and
// the latency histogram, and normalizes its error.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.GatewayOp(op))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.breaker.Execute(op, func() error { return fn(ctx) }, countable)
	err = wrapError(op, err)

	metrics.ObserveGateway(op, start, err)
	traces.End(span, err)
	return err
}

// countable reports whether err says something about the platform's
// health. Declines and rejected requests do not.
func countable(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	var gwErr *apperr.GatewayError
	if errors.As(err, &gwErr) {
		return false
	}
	return true
}

// Definitive reports whether err is the platform refusing the request, as
// opposed to an outcome that is unknown (timeouts, outages, an open
// breaker). The platform replays a refusal for as long as the idempotency
// key lives, so a caller that wants a fresh attempt must change the key.
func Definitive(err error) bool {
	var gwErr *apperr.GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	var se *stripe.Error
	if errors.As(gwErr.Err, &se) {
		return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
	}
	switch gwErr.Code {
	case "", "timeout", "circuit_open", "injected":
		return false
	}
	return true
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *apperr.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	var se *stripe.Error
	switch {
	case errors.As(err, &se):
		code := string(se.Code)
		if se.DeclineCode != "" {
			code = code + ":" + string(se.DeclineCode)
		}
		return &apperr.GatewayError{Op: op, Code: strings.TrimSuffix(code, ":"), Err: se}
	case errors.Is(err, circuitbreaker.ErrOpen):
		return &apperr.GatewayError{Op: op, Code: "circuit_open", Err: err}
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return &apperr.GatewayError{Op: op, Code: "timeout", Err: err}
	default:
		return &apperr.GatewayError{Op: op, Err: err}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ Gateway = (*StripeGateway)(nil)
