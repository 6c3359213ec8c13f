package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RangeJob 区块区间任务
type RangeJob struct {
	Stream    string `json:"stream"`
	Contract  string `json:"contract"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
}

// Key 去重键 ${from}_${to}
func (j RangeJob) Key() string {
	return RangeJobKey(j.FromBlock, j.ToBlock)
}

// RangeJobKey 区间任务去重键
func RangeJobKey(from, to uint64) string {
	return fmt.Sprintf("%d_%d", from, to)
}

// TxAction 链上提交动作
type TxAction string

const (
	TxActionCreateSell    TxAction = "create_sell"
	TxActionCreateAuction TxAction = "create_auction"
	TxActionBuy           TxAction = "buy"
	TxActionBid           TxAction = "bid"
	TxActionSettleAuction TxAction = "settle_auction"
)

// AllTxActions 全部动作，每个动作一个队列
var AllTxActions = []TxAction{
	TxActionCreateSell,
	TxActionCreateAuction,
	TxActionBuy,
	TxActionBid,
	TxActionSettleAuction,
}

// WalletAction 动作对应的钱包流水动作
func (a TxAction) WalletAction() WalletTxAction {
	switch a {
	case TxActionCreateSell:
		return WalletTxActionCreateSell
	case TxActionCreateAuction:
		return WalletTxActionCreateAuct
	case TxActionBuy:
		return WalletTxActionBuy
	case TxActionBid:
		return WalletTxActionBid
	default:
		return WalletTxActionSettle
	}
}

// NeedsTokenApprove buy/bid 需要先授权 ERC-20
func (a TxAction) NeedsTokenApprove() bool {
	return a == TxActionBuy || a == TxActionBid
}

// NeedsNFTApprove 上架需要先授权 NFT
func (a TxAction) NeedsNFTApprove() bool {
	return a == TxActionCreateSell || a == TxActionCreateAuction
}

// TxJob 链上提交任务
type TxJob struct {
	Action        TxAction        `json:"action"`
	ExchangeID    string          `json:"exchange_id"`
	OrderID       string          `json:"order_id,omitempty"`
	NFTID         string          `json:"nft_id"`
	NFTAddress    string          `json:"nft_address"`
	ERC20Address  string          `json:"erc20_address"`
	Price         decimal.Decimal `json:"price"`
	SellerAddress string          `json:"seller_address"`
	ActorAddress  string          `json:"actor_address,omitempty"` // 买家/出价人/卖家
	ApproveTxID   string          `json:"approve_tx_id,omitempty"` // 授权流水 id
	ActionTxID    string          `json:"action_tx_id,omitempty"`  // 动作流水 id
}

// Key 去重键 ${id}_${action}
// buy/bid 以订单 id 区分同一挂单上的多次操作
func (j TxJob) Key() string {
	if j.Action == TxActionSettleAuction {
		return j.ExchangeID
	}
	id := j.ExchangeID
	if j.OrderID != "" {
		id = j.OrderID
	}
	return fmt.Sprintf("%s_%s", id, j.Action)
}
