package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-nft/internal/model"
)

func newTestExchange(id string, typ model.ExchangeType, status model.ExchangeStatus) *model.Exchange {
	return &model.Exchange{
		ID:           id,
		Type:         typ,
		SellerID:     "seller-1",
		NFTID:        "7",
		NFTAddress:   "0xAbC0000000000000000000000000000000000001",
		ERC20Address: "0x00000000000000000000000000000000000000e2",
		Price:        decimal.NewFromInt(100),
		Status:       status,
	}
}

func TestExchangeRepository_FindActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExchangeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestExchange("ended", model.ExchangeTypeSell, model.ExchangeStatusEnded)))
	_, err := repo.FindActive(ctx, "7", "seller-1")
	assert.ErrorIs(t, err, ErrExchangeNotFound)

	require.NoError(t, repo.Create(ctx, newTestExchange("open", model.ExchangeTypeSell, model.ExchangeStatusOpen)))
	found, err := repo.FindActive(ctx, "7", "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "open", found.ID)

	_, err = repo.FindActive(ctx, "7", "seller-2")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestExchangeRepository_CompareAndSetStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExchangeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestExchange("ex1", model.ExchangeTypeSell, model.ExchangeStatusOpen)))

	ok, err := repo.CompareAndSetStatus(ctx, "ex1", model.ExchangeStatusOpen, model.ExchangeStatusEnded, map[string]interface{}{"buyer_id": "buyer-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	// 重放：前置状态不再匹配
	ok, err = repo.CompareAndSetStatus(ctx, "ex1", model.ExchangeStatusOpen, model.ExchangeStatusEnded, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, model.ExchangeStatusEnded, got.Status)
	assert.Equal(t, "buyer-1", got.BuyerID)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
}

func TestExchangeRepository_CompareAndSetStatus_SQL(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewExchangeRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "nft_exchanges" SET .* WHERE id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.CompareAndSetStatus(context.Background(), "ex1", model.ExchangeStatusPendingTransaction, model.ExchangeStatusOpen, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeRepository_FindByLookup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExchangeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestExchange("ex1", model.ExchangeTypeAuction, model.ExchangeStatusPendingTransaction)))

	found, err := repo.FindByLookup(ctx, ExchangeLookup{
		NFTID:      "7",
		NFTAddress: "0xabc0000000000000000000000000000000000001",
		SellerID:   "seller-1",
		Type:       model.ExchangeTypeAuction,
		Status:     model.ExchangeStatusPendingTransaction,
	})
	require.NoError(t, err)
	assert.Equal(t, "ex1", found.ID)

	_, err = repo.FindByLookup(ctx, ExchangeLookup{
		NFTID:      "7",
		NFTAddress: "0xabc0000000000000000000000000000000000001",
		SellerID:   "seller-1",
		Type:       model.ExchangeTypeSell,
		Status:     model.ExchangeStatusPendingTransaction,
	})
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestExchangeRepository_ListExpiredAuctions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExchangeRepository(db)
	ctx := context.Background()

	expired := newTestExchange("expired", model.ExchangeTypeAuction, model.ExchangeStatusOpen)
	expired.AuctionEndAt = 1000
	running := newTestExchange("running", model.ExchangeTypeAuction, model.ExchangeStatusOpen)
	running.AuctionEndAt = 5000
	handling := newTestExchange("handling", model.ExchangeTypeAuction, model.ExchangeStatusHandlingAuction)
	handling.AuctionEndAt = 500
	sell := newTestExchange("sell", model.ExchangeTypeSell, model.ExchangeStatusOpen)

	for _, e := range []*model.Exchange{expired, running, handling, sell} {
		require.NoError(t, repo.Create(ctx, e))
	}

	list, err := repo.ListExpiredAuctions(ctx, 2000, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "expired", list[0].ID)

	list, err = repo.ListExpiredAuctions(ctx, 5000, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.ListExpiredAuctions(ctx, 5000, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExchangeRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExchangeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestExchange("a", model.ExchangeTypeSell, model.ExchangeStatusOpen)))
	require.NoError(t, repo.Create(ctx, newTestExchange("b", model.ExchangeTypeSell, model.ExchangeStatusEnded)))

	open := model.ExchangeStatusOpen
	page := &Pagination{Page: 1, PageSize: 10}
	list, err := repo.List(ctx, &open, page)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int64(1), page.Total)

	all, err := repo.List(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
