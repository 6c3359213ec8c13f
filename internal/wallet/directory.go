// Package wallet 用户托管钱包: 地址目录与托管授权客户端
package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
)

// Directory 用户与钱包地址的双向查询
type Directory struct {
	repo repository.WalletRepository
}

// NewDirectory 创建钱包目录
func NewDirectory(repo repository.WalletRepository) *Directory {
	return &Directory{repo: repo}
}

// WalletOf 查询用户钱包
func (d *Directory) WalletOf(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := d.repo.GetByOwnerID(ctx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return nil, apperrors.ErrWalletNotFound.WithDetail("user_id", userID)
	}
	return w, err
}

// WalletByAddress 按地址查询钱包，地址不区分大小写
func (d *Directory) WalletByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	w, err := d.repo.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return nil, apperrors.ErrWalletNotFound.WithDetail("address", address)
	}
	return w, err
}

// WalletAddressOf 用户钱包地址 (小写)
func (d *Directory) WalletAddressOf(ctx context.Context, userID string) (string, error) {
	w, err := d.WalletOf(ctx, userID)
	if err != nil {
		return "", err
	}
	return strings.ToLower(w.Address), nil
}

// UserIDOfWallet 地址所属用户
func (d *Directory) UserIDOfWallet(ctx context.Context, address string) (string, error) {
	w, err := d.WalletByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	return w.OwnerID, nil
}
