package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"gorm.io/gorm"
)

var (
	ErrExchangeNotFound     = errors.New("exchange not found")
	ErrActiveExchangeExists = errors.New("active exchange already exists")
)

// ExchangeLookup 按链上标识查找挂单
type ExchangeLookup struct {
	NFTID      string
	NFTAddress string
	SellerID   string
	Type       model.ExchangeType
	Status     model.ExchangeStatus
}

// ExchangeRepository 挂单仓储接口
type ExchangeRepository interface {
	// Create 创建挂单，违反活跃挂单唯一约束时返回 ErrActiveExchangeExists
	Create(ctx context.Context, exchange *model.Exchange) error
	GetByID(ctx context.Context, id string) (*model.Exchange, error)
	// FindActive 查找 (nftId, sellerId) 上 PENDING_TRANSACTION/OPEN 的挂单
	FindActive(ctx context.Context, nftID, sellerID string) (*model.Exchange, error)
	// FindByLookup 按链上标识和期望状态查找最近创建的挂单
	FindByLookup(ctx context.Context, lookup ExchangeLookup) (*model.Exchange, error)
	// CompareAndSetStatus 状态等于 from 时才更新为 to，返回是否更新
	CompareAndSetStatus(ctx context.Context, id string, from, to model.ExchangeStatus, fields map[string]interface{}) (bool, error)
	// ListExpiredAuctions 查找已到期仍 OPEN 的拍卖
	ListExpiredAuctions(ctx context.Context, nowMs int64, limit int) ([]*model.Exchange, error)
	List(ctx context.Context, status *model.ExchangeStatus, page *Pagination) ([]*model.Exchange, error)
}

type exchangeRepository struct {
	*Repository
}

// NewExchangeRepository 创建挂单仓储
func NewExchangeRepository(db *gorm.DB) ExchangeRepository {
	return &exchangeRepository{
		Repository: NewRepository(db),
	}
}

func (r *exchangeRepository) Create(ctx context.Context, exchange *model.Exchange) error {
	now := time.Now().UnixMilli()
	exchange.CreatedAt = now
	exchange.UpdatedAt = now
	if err := r.DB(ctx).Create(exchange).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrActiveExchangeExists
		}
		return err
	}
	return nil
}

func (r *exchangeRepository) GetByID(ctx context.Context, id string) (*model.Exchange, error) {
	var exchange model.Exchange
	err := r.DB(ctx).Where("id = ?", id).First(&exchange).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exchange, nil
}

func (r *exchangeRepository) FindActive(ctx context.Context, nftID, sellerID string) (*model.Exchange, error) {
	var exchange model.Exchange
	err := r.DB(ctx).
		Where("nft_id = ? AND seller_id = ? AND status IN ?", nftID, sellerID, model.ActiveExchangeStatuses).
		Order("created_at DESC").
		First(&exchange).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exchange, nil
}

func (r *exchangeRepository) FindByLookup(ctx context.Context, lookup ExchangeLookup) (*model.Exchange, error) {
	var exchange model.Exchange
	err := r.DB(ctx).
		Where("nft_id = ? AND LOWER(nft_address) = LOWER(?) AND seller_id = ? AND type = ? AND status = ?",
			lookup.NFTID, lookup.NFTAddress, lookup.SellerID, lookup.Type, lookup.Status).
		Order("created_at DESC").
		First(&exchange).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exchange, nil
}

func (r *exchangeRepository) CompareAndSetStatus(ctx context.Context, id string, from, to model.ExchangeStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UnixMilli(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.DB(ctx).Model(&model.Exchange{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *exchangeRepository) ListExpiredAuctions(ctx context.Context, nowMs int64, limit int) ([]*model.Exchange, error) {
	var exchanges []*model.Exchange
	err := r.DB(ctx).
		Where("status = ? AND type = ? AND auction_end_at <= ?", model.ExchangeStatusOpen, model.ExchangeTypeAuction, nowMs).
		Order("auction_end_at ASC").
		Limit(limit).
		Find(&exchanges).Error
	return exchanges, err
}

func (r *exchangeRepository) List(ctx context.Context, status *model.ExchangeStatus, page *Pagination) ([]*model.Exchange, error) {
	query := r.DB(ctx).Model(&model.Exchange{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}
	var exchanges []*model.Exchange
	err := query.Order("created_at DESC").Find(&exchanges).Error
	return exchanges, err
}
