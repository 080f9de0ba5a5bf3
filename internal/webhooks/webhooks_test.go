package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/gigescrow/internal/accounts"
	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

const (
	platformSecret = "whsec_platform"
	connectSecret  = "whsec_connect"
	identitySecret = "whsec_identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeEscrow struct{ recorder }

func (f *fakeEscrow) ConfirmFunding(_ context.Context, pi string) (bool, error) {
	return true, f.record("confirm:" + pi)
}

func (f *fakeEscrow) DropPendingFunding(_ context.Context, pi string) (bool, error) {
	return true, f.record("drop:" + pi)
}

func (f *fakeEscrow) TransferSucceeded(_ context.Context, id string) (bool, error) {
	return true, f.record("transfer_ok:" + id)
}

func (f *fakeEscrow) TransferFailed(_ context.Context, id, reason string) (bool, error) {
	return true, f.record("transfer_failed:" + id + ":" + reason)
}

type fakeAccounts struct {
	recorder
	missing bool
}

func (f *fakeAccounts) ApplyGatewayAccount(_ context.Context, info *payments.AccountInfo) (*accounts.ConnectedAccount, error) {
	if f.missing {
		return nil, accounts.ErrAccountNotFound
	}
	return &accounts.ConnectedAccount{GatewayAccountID: info.ID},
		f.record(fmt.Sprintf("account:%s:%t:%s", info.ID, info.PayoutsEnabled, info.TransfersCapability))
}

func (f *fakeAccounts) ApplyVerificationStatus(_ context.Context, sessionID, userID, status string) (bool, error) {
	return true, f.record("kyc:" + sessionID + ":" + userID + ":" + status)
}

type fakeWithdrawals struct{ recorder }

func (f *fakeWithdrawals) ApplyPayoutStatus(_ context.Context, upd withdrawals.PayoutUpdate) (bool, error) {
	return true, f.record("payout:" + upd.PayoutID + ":" + upd.WithdrawalID + ":" + upd.Status + ":" + upd.FailureReason)
}

type harness struct {
	router      *gin.Engine
	events      *MemoryStore
	escrow      *fakeEscrow
	accounts    *fakeAccounts
	withdrawals *fakeWithdrawals
}

func newHarness() *harness {
	h := &harness{
		events:      NewMemoryStore(),
		escrow:      &fakeEscrow{},
		accounts:    &fakeAccounts{},
		withdrawals: &fakeWithdrawals{},
	}
	rec := NewReconciler(h.events, h.escrow, h.accounts, h.withdrawals)
	h.router = gin.New()
	NewHandler(rec, Verifiers{
		Platform: NewVerifier(platformSecret, "whsec_rolled"),
		Connect:  NewVerifier(connectSecret),
		Identity: NewVerifier(identitySecret),
	}).RegisterRoutes(h.router)
	return h
}

func eventJSON(id, typ, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2019-02-19","created":1700000000,"data":{"object":%s}}`,
		id, typ, object)
}

func post(router *gin.Engine, path, secret, payload string) *httptest.ResponseRecorder {
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(sp.Payload))
	req.Header.Set(SignatureHeader, sp.Header)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestVerifier(t *testing.T) {
	payload := []byte(eventJSON("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`))
	sign := func(secret string) string {
		return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload, Secret: secret, Timestamp: time.Now(),
		}).Header
	}

	v := NewVerifier(" ", "whsec_new", "whsec_old")
	require.True(t, v.Configured())

	ev, err := v.Verify(payload, sign("whsec_old"))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)

	_, err = v.Verify(payload, sign("whsec_other"))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = v.Verify(append([]byte(nil), `{"id":"evt_2"}`...), sign("whsec_new"))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature, "signature covers the exact payload")

	_, err = NewVerifier().Verify(payload, sign("whsec_new"))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	expired := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: "whsec_new", Timestamp: time.Now().Add(-time.Hour),
	})
	_, err = v.Verify(payload, expired.Header)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestVerifier_SignedGarbageIsInvalidInput(t *testing.T) {
	payload := []byte(`not json`)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_a", Timestamp: time.Now()})

	_, err := NewVerifier("whsec_a").Verify(payload, sp.Header)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.NotErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestHandler_BadSignatureChangesNothing(t *testing.T) {
	h := newHarness()
	payload := eventJSON("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)

	w := post(h.router, "/webhooks/stripe", "whsec_wrong", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	w = post(h.router, "/webhooks/stripe/connect", platformSecret, payload)
	assert.Equal(t, http.StatusBadRequest, w.Code, "each endpoint has its own secret")

	assert.Empty(t, h.escrow.Calls())
	seen, err := h.events.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestHandler_FundingEvents(t *testing.T) {
	h := newHarness()

	w := post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"contract_id":"ctr_1"}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true,"result":"processed"}`, w.Body.String())

	w = post(h.router, "/webhooks/stripe", "whsec_rolled",
		eventJSON("evt_2", "checkout.session.completed",
			`{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_2","metadata":{"contract_id":"ctr_2"}}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_3", "checkout.session.completed",
			`{"id":"cs_2","object":"checkout.session","payment_status":"unpaid","payment_intent":"pi_3"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ResultIgnored)

	w = post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_4", "payment_intent.payment_failed", `{"id":"pi_4","object":"payment_intent","transfer_group":"ctr_4"}`))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"confirm:pi_1", "confirm:pi_2", "drop:pi_4"}, h.escrow.Calls())
}

func TestHandler_DuplicateEventIsSkipped(t *testing.T) {
	h := newHarness()
	payload := eventJSON("evt_dup", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"contract_id":"ctr_1"}}`)

	require.Equal(t, http.StatusOK, post(h.router, "/webhooks/stripe", platformSecret, payload).Code)
	w := post(h.router, "/webhooks/stripe", platformSecret, payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ResultDuplicate)
	assert.Len(t, h.escrow.Calls(), 1)
}

func TestHandler_FailureIsRedelivered(t *testing.T) {
	h := newHarness()
	h.escrow.err = errors.New("database unavailable")
	payload := eventJSON("evt_1", "transfer.created", `{"id":"tr_1","object":"transfer","transfer_group":"ctr_1"}`)

	w := post(h.router, "/webhooks/stripe", platformSecret, payload)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	seen, err := h.events.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "failed events are not recorded")

	h.escrow.err = nil
	w = post(h.router, "/webhooks/stripe", platformSecret, payload)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"transfer_ok:tr_1", "transfer_ok:tr_1"}, h.escrow.Calls())
}

func TestHandler_TransferEvents(t *testing.T) {
	h := newHarness()

	post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_1", "transfer.paid", `{"id":"tr_1","object":"transfer","metadata":{"contract_id":"ctr_1"}}`))
	post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_2", "transfer.failed", `{"id":"tr_2","object":"transfer","metadata":{"contract_id":"ctr_1"}}`))
	post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_3", "transfer.reversed", `{"id":"tr_3","object":"transfer","reversed":true,"transfer_group":"ctr_1"}`))
	post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_4", "transfer.updated", `{"id":"tr_4","object":"transfer","reversed":true,"transfer_group":"ctr_1"}`))

	assert.Equal(t, []string{
		"transfer_ok:tr_1",
		"transfer_failed:tr_2:transfer failed",
		"transfer_failed:tr_3:transfer reversed",
		"transfer_failed:tr_4:transfer reversed",
	}, h.escrow.Calls())
}

func TestHandler_ConnectAndIdentityEvents(t *testing.T) {
	h := newHarness()

	w := post(h.router, "/webhooks/stripe/connect", connectSecret, eventJSON("evt_1", "account.updated",
		`{"id":"acct_1","object":"account","charges_enabled":true,"payouts_enabled":true,
		  "capabilities":{"transfers":"active"},"requirements":{"currently_due":[],"past_due":[],"eventually_due":["tos"]}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"account:acct_1:true:active"}, h.accounts.Calls())

	w = post(h.router, "/webhooks/stripe/identity", identitySecret, eventJSON("evt_2",
		"identity.verification_session.verified",
		`{"id":"vs_1","object":"identity.verification_session","status":"verified","metadata":{"user_id":"usr_f"}}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "kyc:vs_1:usr_f:verified", h.accounts.Calls()[1])

	w = post(h.router, "/webhooks/stripe/connect", connectSecret, eventJSON("evt_3", "payout.failed",
		`{"id":"po_1","object":"payout","status":"failed","failure_message":"account closed","metadata":{"withdrawal_id":"wd_1"}}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"payout:po_1:wd_1:failed:account closed"}, h.withdrawals.Calls())
}

func TestHandler_UnknownAccountAndTypeAreAcknowledged(t *testing.T) {
	h := newHarness()
	h.accounts.missing = true

	w := post(h.router, "/webhooks/stripe/connect", connectSecret,
		eventJSON("evt_1", "account.updated", `{"id":"acct_x","object":"account"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ResultIgnored)

	w = post(h.router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_2", "customer.created", `{"id":"cus_1","object":"customer"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ResultIgnored)
}

type stubDestinations struct{}

func (stubDestinations) TransferDestination(_ context.Context, userID string) (string, error) {
	return "acct_" + userID, nil
}

// The same funding event delivered twice under different event ids (as
// happens when checkout and payment_intent events both arrive) funds once.
func TestReconciler_FundingIsIdempotentEndToEnd(t *testing.T) {
	ctx := context.Background()
	locks := syncutil.NewKeyedMutex(0)
	cstore := contracts.NewMemoryStore()
	estore := escrow.NewMemoryStore(cstore)
	gw := payments.NewMemoryGateway()
	gw.ChargeStatus = payments.ChargeProcessing
	c := cache.NewMemoryCache(0)
	t.Cleanup(func() { _ = c.Close() })
	svc := escrow.NewService(estore, cstore, gw, stubDestinations{}, ledger.NewMemoryStore(), c, locks,
		escrow.Config{FeeRate: 500, Currency: "usd"})
	cs := contracts.NewService(cstore, locks, "usd")

	ct, err := cs.Create(ctx, "usr_c", contracts.CreateRequest{
		Title: "Logo", ClientID: "usr_c", FreelancerID: "usr_f", TotalAmount: "800",
	})
	require.NoError(t, err)
	_, err = cs.SendForSignature(ctx, ct.ID, "usr_c")
	require.NoError(t, err)
	_, err = cs.Sign(ctx, ct.ID, "usr_c")
	require.NoError(t, err)
	_, err = cs.Sign(ctx, ct.ID, "usr_f")
	require.NoError(t, err)
	res, err := svc.Fund(ctx, ct.ID, "usr_c", escrow.FundRequest{PaymentMethodID: "pm_1"})
	require.NoError(t, err)
	require.True(t, res.Pending)
	pi := res.Payment.PaymentIntentID

	rec := NewReconciler(NewMemoryStore(), svc, &fakeAccounts{}, &fakeWithdrawals{})
	router := gin.New()
	NewHandler(rec, Verifiers{Platform: NewVerifier(platformSecret)}).RegisterRoutes(router)

	w := post(router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_a", "payment_intent.succeeded", fmt.Sprintf(`{"id":%q,"object":"payment_intent","metadata":{"contract_id":%q}}`, pi, ct.ID)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pays, err := estore.ListPayments(ctx, ct.ID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	require.NotNil(t, pays[0].FundedAt)
	fundedAt := *pays[0].FundedAt

	w = post(router, "/webhooks/stripe", platformSecret,
		eventJSON("evt_b", "checkout.session.completed",
			fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":%q,"metadata":{"contract_id":%q}}`, pi, ct.ID)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pays, err = estore.ListPayments(ctx, ct.ID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, escrow.PaymentFunded, pays[0].Status)
	assert.True(t, fundedAt.Equal(*pays[0].FundedAt), "funded_at is not overwritten")

	got, err := cs.Get(ctx, ct.ID, "usr_c")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, got.Status)
	assert.Equal(t, 1, gw.Calls(payments.OpCharge))
}

func TestHandler_ForeignObjectsAreAcknowledged(t *testing.T) {
	h := newHarness()

	for i, tc := range []struct{ typ, object string }{
		{"payment_intent.succeeded", `{"id":"pi_shop","object":"payment_intent"}`},
		{"payment_intent.payment_failed", `{"id":"pi_shop","object":"payment_intent","transfer_group":"order_9"}`},
		{"checkout.session.completed", `{"id":"cs_shop","object":"checkout.session","payment_status":"paid","payment_intent":"pi_shop"}`},
		{"transfer.paid", `{"id":"tr_shop","object":"transfer"}`},
		{"transfer.failed", `{"id":"tr_shop","object":"transfer","transfer_group":"order_9"}`},
	} {
		w := post(h.router, "/webhooks/stripe", platformSecret, eventJSON(fmt.Sprintf("evt_%d", i), tc.typ, tc.object))
		assert.Equal(t, http.StatusOK, w.Code, tc.typ)
		assert.Contains(t, w.Body.String(), ResultIgnored, tc.typ)
	}
	assert.Empty(t, h.escrow.Calls())
}

// A charge tagged for a contract whose payment row is not visible yet is
// answered with a failure so the platform redelivers it.
func TestReconciler_TaggedUnknownChargeIsRedelivered(t *testing.T) {
	locks := syncutil.NewKeyedMutex(0)
	cstore := contracts.NewMemoryStore()
	c := cache.NewMemoryCache(0)
	t.Cleanup(func() { _ = c.Close() })
	svc := escrow.NewService(escrow.NewMemoryStore(cstore), cstore, payments.NewMemoryGateway(), stubDestinations{},
		ledger.NewMemoryStore(), c, locks, escrow.Config{FeeRate: 500, Currency: "usd"})

	events := NewMemoryStore()
	router := gin.New()
	NewHandler(NewReconciler(events, svc, &fakeAccounts{}, &fakeWithdrawals{}),
		Verifiers{Platform: NewVerifier(platformSecret)}).RegisterRoutes(router)

	w := post(router, "/webhooks/stripe", platformSecret, eventJSON("evt_1", "payment_intent.succeeded",
		`{"id":"pi_late","object":"payment_intent","metadata":{"contract_id":"ctr_late"}}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	seen, err := events.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	w = post(router, "/webhooks/stripe", platformSecret, eventJSON("evt_2", "transfer.paid",
		`{"id":"tr_late","object":"transfer","transfer_group":"ctr_late"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
