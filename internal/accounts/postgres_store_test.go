package accounts

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/apperr"
)

var accountCols = []string{
	"user_id", "gateway_account_id", "charges_enabled", "payouts_enabled",
	"transfers_capability", "currently_due", "past_due", "eventually_due", "disabled_reason",
	"enhanced_kyc_status", "verification_session_id", "created_at", "updated_at",
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO connected_accounts")).
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).Create(context.Background(), &ConnectedAccount{UserID: "usr_f", GatewayAccountID: "acct_1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestPostgresStore_GetScansArrays(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM connected_accounts WHERE user_id = $1")).
		WithArgs("usr_f").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"usr_f", "acct_1", true, false, "inactive", `{external_account,tos_acceptance.date}`, `{}`, `{}`,
			nil, "not_started", nil, now, now,
		))

	a, err := NewPostgresStore(db).Get(context.Background(), "usr_f")
	require.NoError(t, err)
	assert.Equal(t, []string{"external_account", "tos_acceptance.date"}, a.CurrentlyDue)
	assert.False(t, a.CanPayout())
	assert.Equal(t, KYCNotStarted, a.EnhancedKYCStatus)
	assert.Empty(t, a.VerificationSessionID)
}

func TestPostgresStore_UpdateCapabilitiesUnknownAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE connected_accounts SET")).
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err = NewPostgresStore(db).UpdateCapabilities(context.Background(), &ConnectedAccount{GatewayAccountID: "acct_missing"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
