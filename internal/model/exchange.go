package model

import (
	"github.com/shopspring/decimal"
)

// ExchangeType 挂单类型
type ExchangeType int8

const (
	ExchangeTypeSell    ExchangeType = 1 // 一口价
	ExchangeTypeAuction ExchangeType = 2 // 拍卖
)

func (t ExchangeType) String() string {
	switch t {
	case ExchangeTypeSell:
		return "SELL"
	case ExchangeTypeAuction:
		return "AUCTION"
	default:
		return "UNKNOWN"
	}
}

// ExchangeStatus 挂单状态
type ExchangeStatus int8

const (
	ExchangeStatusPendingTransaction ExchangeStatus = 0 // 等待链上确认
	ExchangeStatusOpen               ExchangeStatus = 1 // 已上架
	ExchangeStatusHandlingAuction    ExchangeStatus = 2 // 拍卖到期，结算中
	ExchangeStatusEnded              ExchangeStatus = 3 // 已结束
)

func (s ExchangeStatus) String() string {
	switch s {
	case ExchangeStatusPendingTransaction:
		return "PENDING_TRANSACTION"
	case ExchangeStatusOpen:
		return "OPEN"
	case ExchangeStatusHandlingAuction:
		return "HANDLING_AUCTION"
	case ExchangeStatusEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s ExchangeStatus) IsTerminal() bool {
	return s == ExchangeStatusEnded
}

// IsActive 挂单是否仍占用 (nftId, sellerId)
func (s ExchangeStatus) IsActive() bool {
	return s == ExchangeStatusPendingTransaction || s == ExchangeStatusOpen
}

// ActiveExchangeStatuses 占用 (nftId, sellerId) 的状态
var ActiveExchangeStatuses = []ExchangeStatus{ExchangeStatusPendingTransaction, ExchangeStatusOpen}

// Exchange 挂单
type Exchange struct {
	ID             string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Type           ExchangeType    `gorm:"column:type;type:smallint;not null" json:"type"`
	SellerID       string          `gorm:"column:seller_id;type:varchar(64);index:idx_nft_exchanges_nft_seller;not null" json:"seller_id"`
	BuyerID        string          `gorm:"column:buyer_id;type:varchar(64);not null;default:''" json:"buyer_id,omitempty"`
	NFTID          string          `gorm:"column:nft_id;type:varchar(78);index:idx_nft_exchanges_nft_seller;not null" json:"nft_id"`
	NFTAddress     string          `gorm:"column:nft_address;type:varchar(42);not null" json:"nft_address"`
	ERC20Address   string          `gorm:"column:erc20_address;type:varchar(42);not null" json:"erc20_address"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null" json:"price"`
	AuctionStartAt int64           `gorm:"column:auction_start_at;type:bigint;not null;default:0" json:"auction_start_at,omitempty"`
	AuctionEndAt   int64           `gorm:"column:auction_end_at;type:bigint;index;not null;default:0" json:"auction_end_at,omitempty"`
	Status         ExchangeStatus  `gorm:"column:status;type:smallint;index;not null" json:"status"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Exchange) TableName() string {
	return "nft_exchanges"
}

// InAuctionWindow 判断 nowMs 是否在拍卖时间窗口内
func (e *Exchange) InAuctionWindow(nowMs int64) bool {
	return nowMs >= e.AuctionStartAt && nowMs <= e.AuctionEndAt
}

// IsExpired 拍卖是否已到期
func (e *Exchange) IsExpired(nowMs int64) bool {
	return e.Type == ExchangeTypeAuction && e.AuctionEndAt <= nowMs
}
