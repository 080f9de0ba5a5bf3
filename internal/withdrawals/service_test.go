package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/cache"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/payments"
)

type stubBalance struct {
	mu        sync.Mutex
	available map[string]money.Amount
}

func (b *stubBalance) Available(_ context.Context, userID string) (money.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available[userID], nil
}

type stubAccounts struct {
	disabled bool
}

func (a stubAccounts) PayoutAccount(_ context.Context, userID string) (string, error) {
	if a.disabled {
		return "", fmt.Errorf("payouts disabled for %s: %w", userID, apperr.ErrInvalidState)
	}
	return "acct_" + userID, nil
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	ledger  *ledger.MemoryStore
	gateway *payments.MemoryGateway
	cache   *cache.MemoryCache
}

func newFixture(t *testing.T, available string) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		ledger:  ledger.NewMemoryStore(),
		gateway: payments.NewMemoryGateway(),
		cache:   cache.NewMemoryCache(time.Minute),
	}
	t.Cleanup(func() { _ = f.cache.Close() })
	bal := &stubBalance{available: map[string]money.Amount{"usr_f": money.MustParse(available)}}
	f.svc = NewService(f.store, f.ledger, f.gateway, stubAccounts{}, f.cache, "usd").WithBalanceSource(bal)
	return f
}

func TestRequest_CreatesPendingAndSubmitsPayout(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "400", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.NotEmpty(t, w.GatewayPayoutID)
	assert.Equal(t, "400.00", money.Format(w.Amount))

	require.Len(t, f.gateway.Payouts, 1)
	assert.Equal(t, "acct_usr_f", f.gateway.Payouts[0].Account)
	assert.Equal(t, "payout:"+w.ID, f.gateway.Payouts[0].IdempotencyKey)

	entry, err := f.ledger.Get(ctx, ledger.WithdrawalRef(w.ID))
	require.NoError(t, err)
	assert.Equal(t, "pending", entry.Status)
}

func TestRequest_IdempotentOnKey(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	first, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "400", IdempotencyKey: "k1"})
	require.NoError(t, err)
	second, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "400", IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.gateway.Calls(payments.OpPayout))
}

func TestRequest_CapsAtAvailableMinusPending(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "600", IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, "usr_f", RequestInput{Amount: "400", IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = f.svc.Request(ctx, "usr_f", RequestInput{Amount: "350", IdempotencyKey: "k3"})
	assert.NoError(t, err)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "10"})
	assert.ErrorIs(t, err, ErrMissingKey)

	for _, amount := range []string{"0", "-5", "abc"} {
		_, err = f.svc.Request(ctx, "usr_f", RequestInput{Amount: amount, IdempotencyKey: "k"})
		assert.ErrorIs(t, err, apperr.ErrInvalidAmount, amount)
	}
}

func TestRequest_PayoutsDisabled(t *testing.T) {
	f := newFixture(t, "950")
	f.svc.accounts = stubAccounts{disabled: true}

	_, err := f.svc.Request(context.Background(), "usr_f", RequestInput{Amount: "10", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpPayout))
}

func TestRequest_GatewayRejectionFails(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()
	f.gateway.FailNext(payments.OpPayout, errors.New("insufficient platform balance"))

	_, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "100", IdempotencyKey: "k1"})
	require.ErrorIs(t, err, apperr.ErrGateway)

	w, err := f.store.GetByIdempotencyKey(ctx, "usr_f", "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, w.Status)
	assert.True(t, w.Status.IsTerminal())
	assert.NotEmpty(t, w.FailureReason)

	pending, err := f.store.PendingTotal(ctx, "usr_f")
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

func TestRequest_TimeoutStaysPendingAndRetries(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()
	f.gateway.FailNext(payments.OpPayout, &apperr.GatewayError{
		Op: payments.OpPayout, Code: "timeout", Err: context.DeadlineExceeded,
	})

	_, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "100", IdempotencyKey: "k1"})
	require.ErrorIs(t, err, apperr.ErrGateway)

	w, err := f.store.GetByIdempotencyKey(ctx, "usr_f", "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)

	retried, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "100", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, retried.ID)
	assert.NotEmpty(t, retried.GatewayPayoutID)
}

func TestApplyPayoutStatus_ForwardOnly(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "100", IdempotencyKey: "k1"})
	require.NoError(t, err)

	changed, err := f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: w.GatewayPayoutID, Status: "paid"})
	require.NoError(t, err)
	assert.True(t, changed)

	// A late in_transit must not move a paid withdrawal back.
	changed, err = f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: w.GatewayPayoutID, Status: "in_transit"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: w.GatewayPayoutID, Status: "failed"})
	require.NoError(t, err)
	assert.False(t, changed, "paid is terminal")

	got, err := f.svc.Get(ctx, "usr_f", w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	totals, err := f.ledger.Totals(ctx, "usr_f")
	require.NoError(t, err)
	assert.Equal(t, "100.00", money.Format(totals.Withdrawn))
}

func TestApplyPayoutStatus_MatchesByMetadataBeforePayoutIDIsKnown(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()
	now := time.Now()
	w := &Withdrawal{ID: "wd_1", UserID: "usr_f", Amount: money.MustParse("50"), Currency: "usd",
		Status: StatusPending, IdempotencyKey: "k", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.store.Create(ctx, w))

	changed, err := f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: "po_9", WithdrawalID: "wd_1", Status: "in_transit"})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := f.store.GetByPayoutID(ctx, "po_9")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestApplyPayoutStatus_UnknownPayoutAndStatusIgnored(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	changed, err := f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: "po_unknown", Status: "paid"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.svc.ApplyPayoutStatus(ctx, PayoutUpdate{PayoutID: "po_unknown", Status: "weird"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestGet_OtherUserIsNotFound(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, "usr_f", RequestInput{Amount: "10", IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "usr_other", w.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStatus_Helpers(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending, StatusProcessing}, predecessors(StatusPaid))
	assert.ElementsMatch(t, []Status{StatusPending}, predecessors(StatusProcessing))
	assert.Empty(t, predecessors(StatusPending))
	assert.True(t, StatusProcessing.Debits())
	assert.False(t, StatusFailed.Debits())
}

func TestList_PagesNewestFirst(t *testing.T) {
	f := newFixture(t, "950")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Create(ctx, &Withdrawal{
			ID:             fmt.Sprintf("wd_%d", i),
			UserID:         "usr_f",
			Amount:         money.MustParse("10"),
			Currency:       "usd",
			Status:         StatusPaid,
			IdempotencyKey: fmt.Sprintf("k%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base,
		}))
	}

	var seen []string
	cursor := ""
	for {
		page, err := f.svc.List(ctx, "usr_f", cursor, 2)
		require.NoError(t, err)
		for _, w := range page.Withdrawals {
			seen = append(seen, w.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.Len(t, page.Withdrawals, 2)
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"wd_4", "wd_3", "wd_2", "wd_1", "wd_0"}, seen)

	other, err := f.svc.List(ctx, "usr_other", "", 10)
	require.NoError(t, err)
	assert.Empty(t, other.Withdrawals)

	_, err = f.svc.List(ctx, "usr_f", "not-a-cursor!!", 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
