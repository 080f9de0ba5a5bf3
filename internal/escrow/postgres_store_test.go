package escrow

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
	"github.com/mbd888/gigescrow/internal/contracts"
	"github.com/mbd888/gigescrow/internal/money"
)

var paymentCols = []string{
	"id", "contract_id", "payer_id", "payee_id", "amount", "fee", "fee_bps",
	"net_amount", "released_amount", "released_net", "refunded_gross", "refunded_amount",
	"fee_retained", "currency", "status", "payment_intent_id", "version", "funded_at",
	"released_at", "refunded_at", "created_at", "updated_at",
}

var contractCols = []string{
	"id", "title", "description", "client_id", "freelancer_id", "total_amount",
	"currency", "status", "locked", "is_funded", "disputed_by", "client_signed_at",
	"freelancer_signed_at", "created_at", "updated_at", "completed_at",
}

func TestPostgresStore_ApplyReleaseStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $10 AND version = $11")).
		WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectRollback()

	now := time.Now()
	_, _, err = NewPostgresStore(db).ApplyRelease(context.Background(), &ReleaseWrite{
		Payment: &Payment{ID: "pay_1", ContractID: "ctr_1", Version: 3, Status: PaymentReleased},
		Payout:  &Payout{ID: "pyt_1", ContractID: "ctr_1", PaymentID: "pay_1"},
		At:      now,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyReleaseCompletesContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE escrow_payments SET")).
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"pay_1", "ctr_1", "usr_c", "usr_f", "1000.00", "50.00", 500,
			"950.00", "1000.00", "950.00", "0", "0",
			"50.00", "usd", "released", "pi_1", 1, now,
			now, nil, now, now,
		))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payouts")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE contracts SET")).
		WithArgs("completed", now, "ctr_1", "pending_completion").
		WillReturnRows(sqlmock.NewRows(contractCols).AddRow(
			"ctr_1", "Site", nil, "usr_c", "usr_f", "1000.00",
			"usd", "completed", true, true, nil, now,
			now, now, now, now,
		))
	mock.ExpectCommit()

	pay, c, err := NewPostgresStore(db).ApplyRelease(context.Background(), &ReleaseWrite{
		Payment:      &Payment{ID: "pay_1", ContractID: "ctr_1", Status: PaymentReleased},
		Payout:       &Payout{ID: "pyt_1", ContractID: "ctr_1", PaymentID: "pay_1", TransferID: "tr_1"},
		CompleteFrom: contracts.StatusPendingCompletion,
		At:           now,
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentReleased, pay.Status)
	assert.Equal(t, money.Rate(500), pay.FeeBPS)
	assert.Equal(t, 1, pay.Version)
	assert.Equal(t, contracts.StatusCompleted, c.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPendingFundingDuplicateIntent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_payments")).
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).RecordPendingFunding(context.Background(),
		&Payment{ID: "pay_1", PaymentIntentID: "pi_1", Status: PaymentPending})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestPostgresStore_DropPendingFundingBumpsAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM escrow_payments")).
		WithArgs("pi_1").
		WillReturnRows(sqlmock.NewRows([]string{"contract_id"}).AddRow("ctr_1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO funding_attempts")).
		WithArgs("ctr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dropped, err := NewPostgresStore(db).DropPendingFunding(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DropPendingFundingNothingPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM escrow_payments")).
		WithArgs("pi_1").
		WillReturnRows(sqlmock.NewRows([]string{"contract_id"}))
	mock.ExpectCommit()

	dropped, err := NewPostgresStore(db).DropPendingFunding(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FundingAttemptDefaultsToZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempt FROM funding_attempts")).
		WithArgs("ctr_1").
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}))

	n, err := NewPostgresStore(db).FundingAttempt(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPostgresStore_ListEarnings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM payouts po JOIN contracts c")).
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"contract_id", "payee_id", "sum", "settled_at"}).
			AddRow("ctr_1", "usr_f", "950.00", now).
			AddRow("ctr_2", "usr_g", "285.00", now))

	earnings, err := NewPostgresStore(db).ListEarnings(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, earnings, 2)
	assert.Equal(t, "285.00", money.Format(earnings[1].Amount))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "e.id, e.contract_id, e.status", prefixed("e.", "id,\n\tcontract_id, status"))
}
