package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextExchangeStatus(t *testing.T) {
	tests := []struct {
		name    string
		typ     ExchangeType
		from    ExchangeStatus
		trigger Trigger
		want    ExchangeStatus
		ok      bool
	}{
		{"listing confirmed", ExchangeTypeSell, ExchangeStatusPendingTransaction, TriggerListed, ExchangeStatusOpen, true},
		{"listing replayed", ExchangeTypeSell, ExchangeStatusOpen, TriggerListed, 0, false},
		{"sold", ExchangeTypeSell, ExchangeStatusOpen, TriggerSold, ExchangeStatusEnded, true},
		{"sold replayed", ExchangeTypeSell, ExchangeStatusEnded, TriggerSold, 0, false},
		{"listed event on auction", ExchangeTypeAuction, ExchangeStatusPendingTransaction, TriggerListed, 0, false},
		{"auction confirmed", ExchangeTypeAuction, ExchangeStatusPendingTransaction, TriggerAuctionCreated, ExchangeStatusOpen, true},
		{"auction expired", ExchangeTypeAuction, ExchangeStatusOpen, TriggerAuctionExpired, ExchangeStatusHandlingAuction, true},
		{"no bids", ExchangeTypeAuction, ExchangeStatusHandlingAuction, TriggerNoBids, ExchangeStatusEnded, true},
		{"settled", ExchangeTypeAuction, ExchangeStatusHandlingAuction, TriggerAuctionSettled, ExchangeStatusEnded, true},
		{"settled before expiry", ExchangeTypeAuction, ExchangeStatusOpen, TriggerAuctionSettled, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextExchangeStatus(tt.typ, tt.from, tt.trigger)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOrderStatus(t *testing.T) {
	tests := []struct {
		name    string
		typ     OrderType
		from    OrderStatus
		trigger Trigger
		want    OrderStatus
		ok      bool
	}{
		{"buy confirmed", OrderTypeBuy, OrderStatusPendingTransaction, TriggerSold, OrderStatusWin, true},
		{"bid confirmed", OrderTypeBid, OrderStatusPendingTransaction, TriggerBidPlaced, OrderStatusWaitingSettle, true},
		{"bid replayed", OrderTypeBid, OrderStatusWaitingSettle, TriggerBidPlaced, 0, false},
		{"won", OrderTypeBid, OrderStatusWaitingSettle, TriggerWon, OrderStatusWin, true},
		{"lost", OrderTypeBid, OrderStatusWaitingSettle, TriggerLost, OrderStatusLose, true},
		{"unconfirmed bid cannot win", OrderTypeBid, OrderStatusPendingTransaction, TriggerWon, 0, false},
		{"unconfirmed bid canceled", OrderTypeBid, OrderStatusPendingTransaction, TriggerCanceled, OrderStatusCanceled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextOrderStatus(tt.typ, tt.from, tt.trigger)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// 每个 (类型, 触发) 只能有一个前置状态，SourceOf 才有确定结果
func TestTransitions_UniqueSource(t *testing.T) {
	seenExchange := map[ExchangeTransition]bool{}
	for k := range ExchangeTransitions {
		key := ExchangeTransition{Type: k.Type, Trigger: k.Trigger}
		assert.False(t, seenExchange[key], "duplicate source for %s/%s", k.Type, k.Trigger)
		seenExchange[key] = true
	}
	seenOrder := map[OrderTransition]bool{}
	for k := range OrderTransitions {
		key := OrderTransition{Type: k.Type, Trigger: k.Trigger}
		assert.False(t, seenOrder[key], "duplicate source for %s/%s", k.Type, k.Trigger)
		seenOrder[key] = true
	}

	from, ok := ExchangeSourceOf(ExchangeTypeAuction, TriggerAuctionSettled)
	assert.True(t, ok)
	assert.Equal(t, ExchangeStatusHandlingAuction, from)

	_, ok = OrderSourceOf(OrderTypeBuy, TriggerBidPlaced)
	assert.False(t, ok)
}
