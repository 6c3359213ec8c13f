package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-nft/internal/model"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"serialization", &pgconn.PgError{Code: pgErrSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: pgErrDeadlockDetected}, true},
		{"connection", &pgconn.PgError{Code: pgErrConnectionFailure}, true},
		{"too many connections", &pgconn.PgError{Code: pgErrTooManyConnections}, true},
		{"unique violation", &pgconn.PgError{Code: pgErrUniqueViolation}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestTransaction_RollbackAndNesting(t *testing.T) {
	db := setupTestDB(t)
	base := NewRepository(db)
	exchanges := NewExchangeRepository(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := base.Transaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, exchanges.Create(txCtx, &model.Exchange{ID: "ex1", Type: model.ExchangeTypeSell, Price: decimal.NewFromInt(1)}))
		// 内层复用外层事务
		return base.Transaction(txCtx, func(inner context.Context) error {
			_, err := exchanges.GetByID(inner, "ex1")
			require.NoError(t, err)
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	_, err = exchanges.GetByID(ctx, "ex1")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestTransactionWithRetry(t *testing.T) {
	db, mock := setupMockDB(t)
	base := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE nft_exchanges`).WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE nft_exchanges`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := base.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return base.DB(ctx).Exec("UPDATE nft_exchanges SET status = 1").Error
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWithRetry_NonRetryable(t *testing.T) {
	db, mock := setupMockDB(t)
	base := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	boom := errors.New("validation")
	err := base.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryingTransactor(t *testing.T) {
	db, mock := setupMockDB(t)
	base := NewRepository(db)
	tx := base.Retrying(2)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE nft_orders`).WillReturnError(&pgconn.PgError{Code: pgErrDeadlockDetected})
		mock.ExpectRollback()
	}

	calls := 0
	err := tx.Transaction(context.Background(), func(ctx context.Context) error {
		calls++
		return base.DB(ctx).Exec("UPDATE nft_orders SET status = 1").Error
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPagination(t *testing.T) {
	p := &Pagination{}
	assert.Equal(t, 0, p.Offset())
	assert.Equal(t, 20, p.Limit())

	p = &Pagination{Page: 3, PageSize: 500}
	assert.Equal(t, 100, p.Limit())
	assert.Equal(t, 200, p.Offset())
}
