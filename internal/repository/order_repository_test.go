package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-nft/internal/model"
)

func newTestBid(id, userID string, price int64, status model.OrderStatus) *model.Order {
	return &model.Order{
		ID:         id,
		ExchangeID: "ex1",
		Type:       model.OrderTypeBid,
		UserID:     userID,
		NFTID:      "7",
		Price:      decimal.NewFromInt(price),
		Status:     status,
	}
}

func TestOrderRepository_FindHighestBid(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	_, err := repo.FindHighestBid(ctx, "ex1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	require.NoError(t, repo.Create(ctx, newTestBid("o1", "alice", 100, model.OrderStatusWaitingSettle)))
	require.NoError(t, repo.Create(ctx, newTestBid("o2", "bob", 140, model.OrderStatusPendingTransaction)))
	require.NoError(t, repo.Create(ctx, newTestBid("o3", "carol", 900, model.OrderStatusCanceled)))

	highest, err := repo.FindHighestBid(ctx, "ex1")
	require.NoError(t, err)
	assert.Equal(t, "o2", highest.ID)
	assert.True(t, highest.Price.Equal(decimal.NewFromInt(140)))
}

func TestOrderRepository_ListAndFind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestBid("o1", "alice", 100, model.OrderStatusWaitingSettle)))
	require.NoError(t, repo.Create(ctx, newTestBid("o2", "alice", 150, model.OrderStatusPendingTransaction)))
	require.NoError(t, repo.Create(ctx, newTestBid("o3", "bob", 140, model.OrderStatusWaitingSettle)))
	buy := &model.Order{ID: "o4", ExchangeID: "ex1", Type: model.OrderTypeBuy, UserID: "dave", Price: decimal.NewFromInt(1)}
	require.NoError(t, repo.Create(ctx, buy))

	bids, err := repo.ListByExchange(ctx, "ex1", model.OrderTypeBid)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, []string{"o1", "o2", "o3"}, []string{bids[0].ID, bids[1].ID, bids[2].ID})

	waiting, err := repo.ListByExchange(ctx, "ex1", model.OrderTypeBid, model.OrderStatusWaitingSettle)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	found, err := repo.FindOldest(ctx, "ex1", "alice", model.OrderTypeBid, model.OrderStatusPendingTransaction)
	require.NoError(t, err)
	assert.Equal(t, "o2", found.ID)

	_, err = repo.FindOldest(ctx, "ex1", "bob", model.OrderTypeBid, model.OrderStatusPendingTransaction)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderRepository_CompareAndSetStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestBid("o1", "alice", 100, model.OrderStatusPendingTransaction)))

	ok, err := repo.CompareAndSetStatus(ctx, "o1", model.OrderStatusPendingTransaction, model.OrderStatusWaitingSettle)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSetStatus(ctx, "o1", model.OrderStatusPendingTransaction, model.OrderStatusWaitingSettle)
	require.NoError(t, err)
	assert.False(t, ok)

	order, err := repo.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusWaitingSettle, order.Status)
}
