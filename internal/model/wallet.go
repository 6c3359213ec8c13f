package model

import (
	"github.com/shopspring/decimal"
)

// Wallet 用户托管钱包
type Wallet struct {
	ID        string `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	OwnerID   string `gorm:"column:owner_id;type:varchar(64);uniqueIndex;not null" json:"owner_id"`
	Address   string `gorm:"column:address;type:varchar(42);not null" json:"address"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Wallet) TableName() string {
	return "nft_wallets"
}

// WalletTxAction 钱包流水动作
type WalletTxAction string

const (
	WalletTxActionBuy          WalletTxAction = "buy"
	WalletTxActionSellFixed    WalletTxAction = "sell_fixed"
	WalletTxActionBid          WalletTxAction = "bid"
	WalletTxActionSellAuction  WalletTxAction = "sell_auction"
	WalletTxActionRefundBid    WalletTxAction = "refund_bid"
	WalletTxActionApproveToken WalletTxAction = "approve_usdc"
	WalletTxActionApproveNFT   WalletTxAction = "approve_nft"
	WalletTxActionCreateSell   WalletTxAction = "create_sell"
	WalletTxActionCreateAuct   WalletTxAction = "create_auction"
	WalletTxActionSettle       WalletTxAction = "settle_auction"
)

// WalletTxStatus 钱包流水状态
type WalletTxStatus int8

const (
	WalletTxStatusPending WalletTxStatus = 0
	WalletTxStatusSuccess WalletTxStatus = 1
	WalletTxStatusFailed  WalletTxStatus = 2
)

func (s WalletTxStatus) String() string {
	switch s {
	case WalletTxStatusPending:
		return "PENDING"
	case WalletTxStatusSuccess:
		return "SUCCESS"
	case WalletTxStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s WalletTxStatus) IsTerminal() bool {
	return s == WalletTxStatusSuccess || s == WalletTxStatusFailed
}

// SourceTypeExchangeContract 由市场合约产生的流水
const SourceTypeExchangeContract = "exchange_contract"

// WalletTransaction 钱包流水
type WalletTransaction struct {
	ID         string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	WalletID   string          `gorm:"column:wallet_id;type:varchar(36);index;not null" json:"wallet_id"`
	SourceType string          `gorm:"column:source_type;type:varchar(32);not null" json:"source_type"`
	ExchangeID string          `gorm:"column:exchange_id;type:varchar(36);index;not null;default:''" json:"exchange_id"`
	NFTID      string          `gorm:"column:nft_id;type:varchar(78);not null" json:"nft_id"`
	Action     WalletTxAction  `gorm:"column:action;type:varchar(32);not null" json:"action"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null;default:0" json:"amount"`
	TxHash     string          `gorm:"column:tx_hash;type:varchar(66);not null;default:''" json:"tx_hash"`
	Status     WalletTxStatus  `gorm:"column:status;type:smallint;not null" json:"status"`
	CreatedAt  int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt  int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (WalletTransaction) TableName() string {
	return "nft_wallet_transactions"
}
