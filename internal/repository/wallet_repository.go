package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrWalletNotFound            = errors.New("wallet not found")
	ErrWalletAlreadyExists       = errors.New("wallet already exists")
	ErrWalletTransactionNotFound = errors.New("wallet transaction not found")
)

// WalletRepository 钱包与流水仓储接口
type WalletRepository interface {
	Create(ctx context.Context, wallet *model.Wallet) error
	GetByOwnerID(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetByAddress(ctx context.Context, address string) (*model.Wallet, error)

	CreateTransaction(ctx context.Context, tx *model.WalletTransaction) error
	GetTransaction(ctx context.Context, id string) (*model.WalletTransaction, error)
	// UpdateTransactionStatus 仅更新非终态流水
	UpdateTransactionStatus(ctx context.Context, id string, status model.WalletTxStatus, txHash string) error
	// UpdateTransactionAmount 仅更新 PENDING 流水的金额
	UpdateTransactionAmount(ctx context.Context, id string, amount decimal.Decimal) error
	ListTransactionsByExchange(ctx context.Context, exchangeID string) ([]*model.WalletTransaction, error)
}

type walletRepository struct {
	*Repository
}

// NewWalletRepository 创建钱包仓储
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{
		Repository: NewRepository(db),
	}
}

func (r *walletRepository) Create(ctx context.Context, wallet *model.Wallet) error {
	now := time.Now().UnixMilli()
	wallet.CreatedAt = now
	wallet.UpdatedAt = now
	if err := r.DB(ctx).Create(wallet).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrWalletAlreadyExists
		}
		return err
	}
	return nil
}

func (r *walletRepository) GetByOwnerID(ctx context.Context, ownerID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.DB(ctx).Where("owner_id = ?", ownerID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) GetByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.DB(ctx).Where("LOWER(address) = LOWER(?)", address).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) CreateTransaction(ctx context.Context, tx *model.WalletTransaction) error {
	now := time.Now().UnixMilli()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.SourceType == "" {
		tx.SourceType = model.SourceTypeExchangeContract
	}
	return r.DB(ctx).Create(tx).Error
}

func (r *walletRepository) GetTransaction(ctx context.Context, id string) (*model.WalletTransaction, error) {
	var tx model.WalletTransaction
	err := r.DB(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *walletRepository) UpdateTransactionStatus(ctx context.Context, id string, status model.WalletTxStatus, txHash string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	result := r.DB(ctx).Model(&model.WalletTransaction{}).
		Where("id = ? AND status = ?", id, model.WalletTxStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 区分不存在与已是终态
		if _, err := r.GetTransaction(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *walletRepository) UpdateTransactionAmount(ctx context.Context, id string, amount decimal.Decimal) error {
	result := r.DB(ctx).Model(&model.WalletTransaction{}).
		Where("id = ? AND status = ?", id, model.WalletTxStatusPending).
		Updates(map[string]interface{}{
			"amount":     amount,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetTransaction(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *walletRepository) ListTransactionsByExchange(ctx context.Context, exchangeID string) ([]*model.WalletTransaction, error) {
	var txs []*model.WalletTransaction
	err := r.DB(ctx).
		Where("exchange_id = ?", exchangeID).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, err
}
