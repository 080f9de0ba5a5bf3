package withdrawals

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

var withdrawalCols = []string{
	"id", "user_id", "amount", "currency", "status", "idempotency_key",
	"gateway_payout_id", "failure_reason", "created_at", "updated_at",
}

func TestPostgresStore_AdvanceCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $4 AND status = ANY($5)")).
		WithArgs("paid", sqlmock.AnyArg(), sqlmock.AnyArg(), "wd_1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(withdrawalCols).
			AddRow("wd_1", "usr_f", "100.00", "usd", "paid", "k1", "po_1", nil, now, now))

	w, changed, err := NewPostgresStore(db).Advance(context.Background(), "wd_1",
		predecessors(StatusPaid), StatusPaid, "", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPaid, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceStaleReturnsCurrent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE withdrawals SET")).
		WillReturnRows(sqlmock.NewRows(withdrawalCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM withdrawals WHERE id = $1")).
		WithArgs("wd_1").
		WillReturnRows(sqlmock.NewRows(withdrawalCols).
			AddRow("wd_1", "usr_f", "100.00", "usd", "paid", "k1", "po_1", nil, now, now))

	w, changed, err := NewPostgresStore(db).Advance(context.Background(), "wd_1",
		predecessors(StatusProcessing), StatusProcessing, "", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusPaid, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO withdrawals")).
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).Create(context.Background(), &Withdrawal{ID: "wd_1", IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
