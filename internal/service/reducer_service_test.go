package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
)

type reducerFixture struct {
	*settlementFixture
	chain   *MockChain
	reducer *ReducerService
}

func setupReducer(t *testing.T) *reducerFixture {
	f := setupSettlement(t)
	chain := &MockChain{TokenURI: "ipfs://token/42"}
	erc721, err := contract.NewERC721(nftAddr)
	require.NoError(t, err)

	reducer := NewReducerService(chain, f.env.repo, f.env.exchanges, f.env.orders, f.env.nfts, f.env.wallets,
		f.env.directory, f.svc, erc721, ReducerConfig{ERC20Decimals: 6})
	return &reducerFixture{settlementFixture: f, chain: chain, reducer: reducer}
}

func lowerNFT() string {
	return strings.ToLower(nftAddr.Hex())
}

func marketEvent(name string, block uint64, values map[string]string) *model.RawChainEvent {
	return &model.RawChainEvent{
		Event:        name,
		Address:      marketAddr.Hex(),
		BlockNumber:  block,
		BlockTime:    1700000000 + block,
		TxHash:       "0xtx" + name,
		ReturnValues: values,
	}
}

func listedEvent(price string) *model.RawChainEvent {
	return marketEvent(model.EventNftListed, 10, map[string]string{
		"tokenId": "42", "nftAddress": nftAddr.Hex(), "seller": sellerAddr, "price": price,
	})
}

func soldEvent(buyer string) *model.RawChainEvent {
	return marketEvent(model.EventNftSold, 11, map[string]string{
		"tokenId": "42", "nftAddress": nftAddr.Hex(), "seller": sellerAddr, "price": "10000000", "buyer": buyer,
	})
}

func TestReducer_ListedThenSold(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.env.seedExchange(t, &model.Exchange{
		Type: model.ExchangeTypeSell, NFTID: "42", Price: decimal.NewFromInt(10), Status: model.ExchangeStatusPendingTransaction,
	})

	require.NoError(t, f.reducer.Dispatch(ctx, listedEvent("10000000")))
	assert.Equal(t, model.ExchangeStatusOpen, f.env.exchange(t, ex.ID).Status)

	nft, err := f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, model.NFTStatusSell, nft.Status)
	assert.Equal(t, sellerAddr, nft.Owner)
	assert.True(t, decimal.NewFromInt(10).Equal(nft.Price))

	buy := &model.Order{
		ID: newID(), ExchangeID: ex.ID, Type: model.OrderTypeBuy, UserID: "alice", NFTID: "42",
		NFTAddress: ex.NFTAddress, ERC20Address: ex.ERC20Address, Price: ex.Price, Status: model.OrderStatusPendingTransaction,
	}
	require.NoError(t, f.env.orders.Create(ctx, buy))

	require.NoError(t, f.reducer.Dispatch(ctx, soldEvent(aliceAddr)))

	got := f.env.exchange(t, ex.ID)
	assert.Equal(t, model.ExchangeStatusEnded, got.Status)
	assert.Equal(t, "alice", got.BuyerID)
	assert.Equal(t, model.OrderStatusWin, f.env.order(t, buy.ID).Status)

	nft, err = f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, aliceAddr, nft.Owner)
	assert.Equal(t, "alice", nft.OwnerID)
	assert.Equal(t, model.NFTStatusOwner, nft.Status)
	assert.Equal(t, int64(1700000011000), nft.DatePurchased)

	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.WalletTxActionSellFixed, txs[0].Action)
	assert.Equal(t, "wallet-seller", txs[0].WalletID)
	assert.Equal(t, model.WalletTxStatusSuccess, txs[0].Status)
}

func TestReducer_ReplayedRangeIsNoop(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.env.seedExchange(t, &model.Exchange{
		Type: model.ExchangeTypeSell, NFTID: "42", Price: decimal.NewFromInt(10), Status: model.ExchangeStatusPendingTransaction,
	})
	buy := &model.Order{
		ID: newID(), ExchangeID: ex.ID, Type: model.OrderTypeBuy, UserID: "alice", NFTID: "42",
		NFTAddress: ex.NFTAddress, ERC20Address: ex.ERC20Address, Price: ex.Price, Status: model.OrderStatusPendingTransaction,
	}
	require.NoError(t, f.env.orders.Create(ctx, buy))

	events := []*model.RawChainEvent{listedEvent("10000000"), soldEvent(aliceAddr)}
	f.chain.On("PastEvents", mock.Anything, mock.Anything, uint64(1), uint64(50)).Return(events, nil).Twice()
	f.chain.On("BlockTime", mock.Anything, uint64(10)).Return(uint64(1700000010), nil)
	f.chain.On("BlockTime", mock.Anything, uint64(11)).Return(uint64(1700000011), nil)

	require.NoError(t, f.reducer.ProcessRange(ctx, nil, 1, 50))
	first := f.env.exchange(t, ex.ID)

	require.NoError(t, f.reducer.ProcessRange(ctx, nil, 1, 50))
	second := f.env.exchange(t, ex.ID)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, model.ExchangeStatusEnded, second.Status)
	assert.Equal(t, model.OrderStatusWin, f.env.order(t, buy.ID).Status)

	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	f.chain.AssertExpectations(t)
}

func TestReducer_ProcessRangeErrors(t *testing.T) {
	f := setupReducer(t)
	f.chain.On("PastEvents", mock.Anything, mock.Anything, uint64(1), uint64(50)).Return(nil, errors.New("rpc down")).Once()

	err := f.reducer.ProcessRange(context.Background(), nil, 1, 50)
	assert.ErrorContains(t, err, "rpc down")
}

func TestReducer_AuctionCreated(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.auction(t, model.ExchangeStatusPendingTransaction, time.Hour)

	ev := marketEvent(model.EventAuctionCreated, 20, map[string]string{
		"tokenId": "42", "nftAddress": nftAddr.Hex(), "auctioner": sellerAddr, "basePrice": "100000000", "salePrice": "100000000",
	})
	require.NoError(t, f.reducer.Dispatch(ctx, ev))

	assert.Equal(t, model.ExchangeStatusOpen, f.env.exchange(t, ex.ID).Status)
	nft, err := f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, model.NFTStatusAuction, nft.Status)
	assert.Equal(t, "seller", nft.OwnerID)
}

func TestReducer_BidPlacedRefundsOutbidBidder(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.auction(t, model.ExchangeStatusOpen, time.Hour)
	alice := f.env.seedBid(t, ex, "alice", 120, model.OrderStatusWaitingSettle, 1)
	bob := f.env.seedBid(t, ex, "bob", 150, model.OrderStatusPendingTransaction, 2)

	ev := marketEvent(model.EventBidPlaced, 30, map[string]string{
		"tokenId": "42", "tokenContract": nftAddr.Hex(), "auctioner": sellerAddr, "bidder": bobAddr, "price": "150000000",
	})
	require.NoError(t, f.reducer.Dispatch(ctx, ev))

	assert.Equal(t, model.OrderStatusWaitingSettle, f.env.order(t, bob.ID).Status)
	assert.Equal(t, model.OrderStatusWaitingSettle, f.env.order(t, alice.ID).Status)

	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.WalletTxActionRefundBid, txs[0].Action)
	assert.Equal(t, "wallet-alice", txs[0].WalletID)
	assert.True(t, decimal.NewFromInt(120).Equal(txs[0].Amount))

	// 重放不会重复退款
	require.NoError(t, f.reducer.Dispatch(ctx, ev))
	txs, err = f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestReducer_BidPlacedMatchesPrice(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.auction(t, model.ExchangeStatusOpen, time.Hour)
	first := f.env.seedBid(t, ex, "alice", 100, model.OrderStatusPendingTransaction, 1)

	ev := marketEvent(model.EventBidPlaced, 30, map[string]string{
		"tokenId": "42", "tokenContract": nftAddr.Hex(), "auctioner": sellerAddr, "bidder": aliceAddr, "price": "100000000",
	})
	require.NoError(t, f.reducer.Dispatch(ctx, ev))
	assert.Equal(t, model.OrderStatusWaitingSettle, f.env.order(t, first.ID).Status)

	f.env.seedBid(t, ex, "bob", 120, model.OrderStatusWaitingSettle, 2)
	newer := f.env.seedBid(t, ex, "alice", 150, model.OrderStatusPendingTransaction, 3)

	// 重放旧事件不能确认同一出价人更新的出价
	require.NoError(t, f.reducer.Dispatch(ctx, ev))
	assert.Equal(t, model.OrderStatusPendingTransaction, f.env.order(t, newer.ID).Status)

	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReducer_ExternalBidderIsNoop(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.auction(t, model.ExchangeStatusOpen, time.Hour)
	alice := f.env.seedBid(t, ex, "alice", 120, model.OrderStatusWaitingSettle, 1)
	bob := f.env.seedBid(t, ex, "bob", 150, model.OrderStatusPendingTransaction, 2)

	ev := marketEvent(model.EventBidPlaced, 30, map[string]string{
		"tokenId": "42", "tokenContract": nftAddr.Hex(), "auctioner": sellerAddr,
		"bidder": "0x00000000000000000000000000000000000000bb", "price": "150000000",
	})
	require.NoError(t, f.reducer.Dispatch(ctx, ev))

	assert.Equal(t, model.OrderStatusPendingTransaction, f.env.order(t, bob.ID).Status)
	assert.Equal(t, model.OrderStatusWaitingSettle, f.env.order(t, alice.ID).Status)
	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReducer_ExternalBuyerDoesNotStallRange(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	const outsider = "0x00000000000000000000000000000000000000aa"
	sold := f.env.seedExchange(t, &model.Exchange{
		Type: model.ExchangeTypeSell, NFTID: "42", Price: decimal.NewFromInt(10), Status: model.ExchangeStatusOpen,
	})
	next := f.env.seedExchange(t, &model.Exchange{
		Type: model.ExchangeTypeSell, NFTID: "43", Price: decimal.NewFromInt(5), Status: model.ExchangeStatusPendingTransaction,
	})

	events := []*model.RawChainEvent{
		soldEvent(outsider),
		marketEvent(model.EventNftListed, 12, map[string]string{
			"tokenId": "43", "nftAddress": nftAddr.Hex(), "seller": sellerAddr, "price": "5000000",
		}),
	}
	f.chain.On("PastEvents", mock.Anything, mock.Anything, uint64(1), uint64(50)).Return(events, nil).Once()
	f.chain.On("BlockTime", mock.Anything, uint64(11)).Return(uint64(1700000011), nil)
	f.chain.On("BlockTime", mock.Anything, uint64(12)).Return(uint64(1700000012), nil)

	require.NoError(t, f.reducer.ProcessRange(ctx, nil, 1, 50))

	got := f.env.exchange(t, sold.ID)
	assert.Equal(t, model.ExchangeStatusEnded, got.Status)
	assert.Empty(t, got.BuyerID)
	nft, err := f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, outsider, nft.Owner)
	assert.Empty(t, nft.OwnerID)

	assert.Equal(t, model.ExchangeStatusOpen, f.env.exchange(t, next.ID).Status)

	txs, err := f.env.wallets.ListTransactionsByExchange(ctx, sold.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.WalletTxActionSellFixed, txs[0].Action)
}

func TestReducer_AuctionSettled(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()
	ex := f.auction(t, model.ExchangeStatusHandlingAuction, -time.Minute)
	win := f.env.seedBid(t, ex, "alice", 150, model.OrderStatusWaitingSettle, 1)
	lose := f.env.seedBid(t, ex, "bob", 140, model.OrderStatusWaitingSettle, 2)

	ev := marketEvent(model.EventAuctionSettled, 40, map[string]string{
		"tokenId": "42", "tokenContract": nftAddr.Hex(), "auctioner": sellerAddr, "winner": aliceAddr, "price": "150000000",
	})
	require.NoError(t, f.reducer.Dispatch(ctx, ev))

	assert.Equal(t, model.ExchangeStatusEnded, f.env.exchange(t, ex.ID).Status)
	assert.Equal(t, model.OrderStatusWin, f.env.order(t, win.ID).Status)
	assert.Equal(t, model.OrderStatusLose, f.env.order(t, lose.ID).Status)
}

func TestReducer_UnknownSellerIsNoop(t *testing.T) {
	f := setupReducer(t)
	ev := marketEvent(model.EventNftListed, 10, map[string]string{
		"tokenId": "42", "nftAddress": nftAddr.Hex(), "seller": "0x00000000000000000000000000000000000000aa", "price": "1",
	})
	require.NoError(t, f.reducer.Dispatch(context.Background(), ev))

	_, err := f.env.nfts.Get(context.Background(), lowerNFT(), "42")
	assert.Error(t, err)
}

func TestReducer_IgnoresUnknownEvents(t *testing.T) {
	f := setupReducer(t)
	err := f.reducer.Dispatch(context.Background(), &model.RawChainEvent{Event: "OwnershipTransferred"})
	assert.NoError(t, err)
}

func TestReducer_TransferTracksOwner(t *testing.T) {
	f := setupReducer(t)
	ctx := context.Background()

	mint := &model.RawChainEvent{
		Event: model.EventTransfer, Address: nftAddr.Hex(), BlockNumber: 5, BlockTime: 1700000005,
		ReturnValues: map[string]string{"from": model.ZeroAddress, "to": aliceAddr, "tokenId": "42"},
	}
	require.NoError(t, f.reducer.Dispatch(ctx, mint))

	nft, err := f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, aliceAddr, nft.Owner)
	assert.Equal(t, "alice", nft.OwnerID)
	assert.Equal(t, "ipfs://token/42", nft.TokenURI)
	assert.Equal(t, model.NFTStatusOwner, nft.Status)

	// 转入市场合约托管，平台用户不变
	escrow := &model.RawChainEvent{
		Event: model.EventTransfer, Address: nftAddr.Hex(), BlockNumber: 6, BlockTime: 1700000006,
		ReturnValues: map[string]string{"from": aliceAddr, "to": strings.ToLower(marketAddr.Hex()), "tokenId": "42"},
	}
	require.NoError(t, f.reducer.Dispatch(ctx, escrow))

	nft, err = f.env.nfts.Get(ctx, lowerNFT(), "42")
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(marketAddr.Hex()), nft.Owner)
	assert.Equal(t, "alice", nft.OwnerID)
	assert.Equal(t, int64(1700000006000), nft.DatePurchased)
}

func TestReducer_RangeHandler(t *testing.T) {
	f := setupReducer(t)
	f.chain.On("PastEvents", mock.Anything, mock.Anything, uint64(101), uint64(150)).Return([]*model.RawChainEvent{}, nil).Once()

	handler := f.reducer.RangeHandler("exchange", nil)
	job := &queue.Job{
		Key:     "101_150",
		Payload: []byte(`{"stream":"exchange","from_block":101,"to_block":150}`),
	}
	require.NoError(t, handler.Handle(context.Background(), job))
	f.chain.AssertExpectations(t)

	err := handler.Handle(context.Background(), &queue.Job{Key: "bad", Payload: []byte(`{`)})
	assert.Error(t, err)
}
