package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNFTNotFound = errors.New("nft not found")
)

// NFTRepository NFT 持有关系仓储接口
type NFTRepository interface {
	Get(ctx context.Context, nftAddress, nftID string) (*model.NFT, error)
	// CreateIfAbsent 插入新 NFT，已存在时返回 false
	CreateIfAbsent(ctx context.Context, nft *model.NFT) (bool, error)
	// Update 更新已有 NFT，不存在时返回 ErrNFTNotFound
	Update(ctx context.Context, nftAddress, nftID string, fields map[string]interface{}) error
	ListByOwner(ctx context.Context, owner string) ([]*model.NFT, error)
}

type nftRepository struct {
	*Repository
}

// NewNFTRepository 创建 NFT 仓储
func NewNFTRepository(db *gorm.DB) NFTRepository {
	return &nftRepository{
		Repository: NewRepository(db),
	}
}

func (r *nftRepository) Get(ctx context.Context, nftAddress, nftID string) (*model.NFT, error) {
	var nft model.NFT
	err := r.DB(ctx).
		Where("LOWER(nft_address) = LOWER(?) AND nft_id = ?", nftAddress, nftID).
		First(&nft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNFTNotFound
	}
	if err != nil {
		return nil, err
	}
	return &nft, nil
}

func (r *nftRepository) CreateIfAbsent(ctx context.Context, nft *model.NFT) (bool, error) {
	now := time.Now().UnixMilli()
	nft.CreatedAt = now
	nft.UpdatedAt = now
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nft_address"}, {Name: "nft_id"}},
		DoNothing: true,
	}).Create(nft)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *nftRepository) Update(ctx context.Context, nftAddress, nftID string, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"updated_at": time.Now().UnixMilli(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.DB(ctx).Model(&model.NFT{}).
		Where("LOWER(nft_address) = LOWER(?) AND nft_id = ?", nftAddress, nftID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNFTNotFound
	}
	return nil
}

func (r *nftRepository) ListByOwner(ctx context.Context, owner string) ([]*model.NFT, error) {
	var nfts []*model.NFT
	err := r.DB(ctx).
		Where("LOWER(owner) = LOWER(?)", owner).
		Order("date_purchased DESC").
		Find(&nfts).Error
	return nfts, err
}
