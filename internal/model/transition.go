package model

// Trigger 驱动状态迁移的事件
type Trigger string

const (
	TriggerListed         Trigger = "listed"          // 链上 NftListed
	TriggerAuctionCreated Trigger = "auction_created" // 链上 AuctionCreated
	TriggerSold           Trigger = "sold"            // 链上 NftSold
	TriggerAuctionExpired Trigger = "auction_expired" // 结算扫描发现到期
	TriggerNoBids         Trigger = "no_bids"         // 到期且无出价
	TriggerAuctionSettled Trigger = "auction_settled" // 链上 AuctionSettled
	TriggerBidPlaced      Trigger = "bid_placed"      // 链上 BidPlaced
	TriggerWon            Trigger = "won"             // 结算中标
	TriggerLost           Trigger = "lost"            // 结算未中标
	TriggerCanceled       Trigger = "canceled"        // 拍卖结束时出价仍未上链
)

// ExchangeTransition 挂单迁移表的键
type ExchangeTransition struct {
	Type    ExchangeType
	From    ExchangeStatus
	Trigger Trigger
}

// OrderTransition 订单迁移表的键
type OrderTransition struct {
	Type    OrderType
	From    OrderStatus
	Trigger Trigger
}

// ExchangeTransitions 挂单状态迁移表
// 表外组合一律视为重放，按无操作处理
var ExchangeTransitions = map[ExchangeTransition]ExchangeStatus{
	{ExchangeTypeSell, ExchangeStatusPendingTransaction, TriggerListed}:            ExchangeStatusOpen,
	{ExchangeTypeSell, ExchangeStatusOpen, TriggerSold}:                            ExchangeStatusEnded,
	{ExchangeTypeAuction, ExchangeStatusPendingTransaction, TriggerAuctionCreated}: ExchangeStatusOpen,
	{ExchangeTypeAuction, ExchangeStatusOpen, TriggerAuctionExpired}:               ExchangeStatusHandlingAuction,
	{ExchangeTypeAuction, ExchangeStatusHandlingAuction, TriggerNoBids}:            ExchangeStatusEnded,
	{ExchangeTypeAuction, ExchangeStatusHandlingAuction, TriggerAuctionSettled}:    ExchangeStatusEnded,
}

// OrderTransitions 订单状态迁移表
var OrderTransitions = map[OrderTransition]OrderStatus{
	{OrderTypeBuy, OrderStatusPendingTransaction, TriggerSold}:      OrderStatusWin,
	{OrderTypeBid, OrderStatusPendingTransaction, TriggerBidPlaced}: OrderStatusWaitingSettle,
	{OrderTypeBid, OrderStatusWaitingSettle, TriggerWon}:            OrderStatusWin,
	{OrderTypeBid, OrderStatusWaitingSettle, TriggerLost}:           OrderStatusLose,
	{OrderTypeBid, OrderStatusPendingTransaction, TriggerCanceled}:  OrderStatusCanceled,
}

// NextExchangeStatus 查询挂单迁移
func NextExchangeStatus(t ExchangeType, from ExchangeStatus, trigger Trigger) (ExchangeStatus, bool) {
	to, ok := ExchangeTransitions[ExchangeTransition{t, from, trigger}]
	return to, ok
}

// NextOrderStatus 查询订单迁移
func NextOrderStatus(t OrderType, from OrderStatus, trigger Trigger) (OrderStatus, bool) {
	to, ok := OrderTransitions[OrderTransition{t, from, trigger}]
	return to, ok
}

// ExchangeSourceOf 返回能被 trigger 迁移的挂单前置状态
func ExchangeSourceOf(t ExchangeType, trigger Trigger) (ExchangeStatus, bool) {
	for k := range ExchangeTransitions {
		if k.Type == t && k.Trigger == trigger {
			return k.From, true
		}
	}
	return 0, false
}

// OrderSourceOf 返回能被 trigger 迁移的订单前置状态
func OrderSourceOf(t OrderType, trigger Trigger) (OrderStatus, bool) {
	for k := range OrderTransitions {
		if k.Type == t && k.Trigger == trigger {
			return k.From, true
		}
	}
	return 0, false
}
