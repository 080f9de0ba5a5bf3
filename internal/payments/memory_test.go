package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/money"
)

func TestMemoryGateway_IdempotentReplay(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	req := TransferRequest{Amount: money.MustParse("950"), Currency: "usd", IdempotencyKey: "release:p:0"}

	a, err := gw.Transfer(ctx, req)
	require.NoError(t, err)
	b, err := gw.Transfer(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, a.TransferID, b.TransferID)
	assert.Equal(t, 1, gw.Calls(OpTransfer))
}

func TestMemoryGateway_FailNext(t *testing.T) {
	gw := NewMemoryGateway()
	gw.FailNext(OpCharge, errors.New("card declined"))

	_, err := gw.Charge(context.Background(), ChargeRequest{IdempotencyKey: "fund:c"})
	assert.ErrorIs(t, err, apperr.ErrGateway)

	res, err := gw.Charge(context.Background(), ChargeRequest{IdempotencyKey: "fund:c"})
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, res.Status)
}

func TestMemoryGateway_ReplaysDeclineUnderSameKey(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	gw.FailNext(OpCharge, &apperr.GatewayError{Op: OpCharge, Code: "card_declined", Err: errors.New("declined")})

	_, err := gw.Charge(ctx, ChargeRequest{IdempotencyKey: "fund:c:0:pm_1"})
	require.Error(t, err)
	_, err = gw.Charge(ctx, ChargeRequest{IdempotencyKey: "fund:c:0:pm_1"})
	assert.ErrorIs(t, err, apperr.ErrGateway, "same key replays the decline")

	res, err := gw.Charge(ctx, ChargeRequest{IdempotencyKey: "fund:c:1:pm_1"})
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, res.Status)
}

func TestMemoryGateway_Accounts(t *testing.T) {
	gw := NewMemoryGateway()
	gw.AutoEnable = false
	ctx := context.Background()

	acct, err := gw.CreateConnectedAccount(ctx, CreateAccountRequest{UserID: "usr_f", Country: "US"})
	require.NoError(t, err)
	assert.False(t, acct.PayoutsEnabled)
	assert.NotEmpty(t, acct.CurrentlyDue)

	gw.SetAccount(AccountInfo{ID: acct.ID, PayoutsEnabled: true, TransfersCapability: "active"})
	got, err := gw.GetConnectedAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.PayoutsEnabled)

	_, err = gw.GetConnectedAccount(ctx, "acct_missing")
	assert.ErrorIs(t, err, apperr.ErrGateway)
}
