package model

import (
	"github.com/shopspring/decimal"
)

// NFTStatus NFT 状态
type NFTStatus int8

const (
	NFTStatusOwner   NFTStatus = 1 // 持有中
	NFTStatusSell    NFTStatus = 2 // 一口价出售中
	NFTStatusAuction NFTStatus = 3 // 拍卖中
)

func (s NFTStatus) String() string {
	switch s {
	case NFTStatusOwner:
		return "OWNER"
	case NFTStatusSell:
		return "SELL"
	case NFTStatusAuction:
		return "AUCTION"
	default:
		return "UNKNOWN"
	}
}

// NFT 链上持有关系的链下镜像，仅由事件归约修改
type NFT struct {
	NFTID         string          `gorm:"column:nft_id;type:varchar(78);primaryKey" json:"nft_id"`
	NFTAddress    string          `gorm:"column:nft_address;type:varchar(42);primaryKey" json:"nft_address"`
	Owner         string          `gorm:"column:owner;type:varchar(42);index;not null" json:"owner"`
	OwnerID       string          `gorm:"column:owner_id;type:varchar(64);not null;default:''" json:"owner_id"`
	TokenURI      string          `gorm:"column:token_uri;type:text;not null;default:''" json:"token_uri"`
	Status        NFTStatus       `gorm:"column:status;type:smallint;not null" json:"status"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null;default:0" json:"price"`
	DatePurchased int64           `gorm:"column:date_purchased;type:bigint;not null;default:0" json:"date_purchased"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (NFT) TableName() string {
	return "nft_tokens"
}
