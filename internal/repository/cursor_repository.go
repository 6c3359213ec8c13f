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
	ErrCursorNotFound    = errors.New("cursor not found")
	ErrCursorNotAdvanced = errors.New("cursor not advanced")
)

// CursorRepository 区块游标仓储接口
type CursorRepository interface {
	Get(ctx context.Context, key string) (*model.BlockCursor, error)
	// GetOrCreate 不存在时以 seed 创建，已存在则原样返回
	GetOrCreate(ctx context.Context, seed *model.BlockCursor) (*model.BlockCursor, error)
	// Advance 仅当 to 大于当前游标时前移
	Advance(ctx context.Context, key string, to uint64) error
	List(ctx context.Context) ([]*model.BlockCursor, error)
}

type cursorRepository struct {
	*Repository
}

// NewCursorRepository 创建区块游标仓储
func NewCursorRepository(db *gorm.DB) CursorRepository {
	return &cursorRepository{
		Repository: NewRepository(db),
	}
}

func (r *cursorRepository) Get(ctx context.Context, key string) (*model.BlockCursor, error) {
	var cursor model.BlockCursor
	err := r.DB(ctx).Where("key = ?", key).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCursorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (r *cursorRepository) GetOrCreate(ctx context.Context, seed *model.BlockCursor) (*model.BlockCursor, error) {
	now := time.Now().UnixMilli()
	seed.CreatedAt = now
	seed.UpdatedAt = now

	// 多副本同时启动时只有一个种子生效
	err := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(seed).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, seed.Key)
}

func (r *cursorRepository) Advance(ctx context.Context, key string, to uint64) error {
	result := r.DB(ctx).Model(&model.BlockCursor{}).
		Where("key = ? AND last_processed_block < ?", key, to).
		Updates(map[string]interface{}{
			"last_processed_block": to,
			"updated_at":           time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCursorNotAdvanced
	}
	return nil
}

func (r *cursorRepository) List(ctx context.Context) ([]*model.BlockCursor, error) {
	var cursors []*model.BlockCursor
	err := r.DB(ctx).Order("key ASC").Find(&cursors).Error
	return cursors, err
}
