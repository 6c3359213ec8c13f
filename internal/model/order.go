package model

import (
	"github.com/shopspring/decimal"
)

// OrderType 订单类型
type OrderType int8

const (
	OrderTypeBuy OrderType = 1 // 一口价购买
	OrderTypeBid OrderType = 2 // 拍卖出价
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeBuy:
		return "BUY"
	case OrderTypeBid:
		return "BID"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus 订单状态
type OrderStatus int8

const (
	OrderStatusPendingTransaction OrderStatus = 0 // 等待链上确认
	OrderStatusWaitingSettle      OrderStatus = 1 // 出价已上链，等待结算
	OrderStatusWin                OrderStatus = 2 // 成交/中标
	OrderStatusLose               OrderStatus = 3 // 未中标
	OrderStatusCanceled           OrderStatus = 4 // 未上链即结束
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPendingTransaction:
		return "PENDING_TRANSACTION"
	case OrderStatusWaitingSettle:
		return "WAITING_SETTLE"
	case OrderStatusWin:
		return "WIN"
	case OrderStatusLose:
		return "LOSE"
	case OrderStatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusWin || s == OrderStatusLose || s == OrderStatusCanceled
}

// Order 买单或出价
type Order struct {
	ID           string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ExchangeID   string          `gorm:"column:exchange_id;type:varchar(36);index:idx_nft_orders_exchange;not null" json:"exchange_id"`
	Type         OrderType       `gorm:"column:type;type:smallint;index:idx_nft_orders_exchange;not null" json:"type"`
	UserID       string          `gorm:"column:user_id;type:varchar(64);not null" json:"user_id"`
	NFTID        string          `gorm:"column:nft_id;type:varchar(78);not null" json:"nft_id"`
	NFTAddress   string          `gorm:"column:nft_address;type:varchar(42);not null" json:"nft_address"`
	ERC20Address string          `gorm:"column:erc20_address;type:varchar(42);not null" json:"erc20_address"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null" json:"price"`
	Status       OrderStatus     `gorm:"column:status;type:smallint;index:idx_nft_orders_exchange;not null" json:"status"`
	CreatedAt    int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt    int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Order) TableName() string {
	return "nft_orders"
}
