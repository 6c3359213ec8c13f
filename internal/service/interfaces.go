package service

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-nft/internal/blockchain"
	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/model"
)

// HeightReader 区块高度
type HeightReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// ChainReader 只读链访问
type ChainReader interface {
	HeightReader
	contract.Caller
	PastEvents(ctx context.Context, decoder blockchain.LogDecoder, from, to uint64) ([]*model.RawChainEvent, error)
	BlockTime(ctx context.Context, number uint64) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainWriter 交易签名与广播
type ChainWriter interface {
	ChainReader
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SignTransaction(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

// NonceAllocator 签名账户 nonce 分配
type NonceAllocator interface {
	AcquireNonce(ctx context.Context, addr common.Address) (uint64, error)
	ConfirmNonce(ctx context.Context, addr common.Address, nonce uint64, txHash string) error
	ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error
	OnTxMined(ctx context.Context, addr common.Address, nonce uint64, txHash string) error
	HandleNonceTooLow(ctx context.Context, addr common.Address) error
}

// SignerSelector 签名账户选择
type SignerSelector interface {
	Next() *blockchain.Signer
}

// WalletDirectory 用户与钱包地址映射
type WalletDirectory interface {
	WalletOf(ctx context.Context, userID string) (*model.Wallet, error)
	WalletByAddress(ctx context.Context, address string) (*model.Wallet, error)
	WalletAddressOf(ctx context.Context, userID string) (string, error)
	UserIDOfWallet(ctx context.Context, address string) (string, error)
}

// Custodian 托管钱包授权
type Custodian interface {
	ApproveToken(ctx context.Context, walletAddress, spender string, amount decimal.Decimal) (string, error)
	ApproveNFT(ctx context.Context, walletAddress, spender, tokenID string) (string, error)
}

// Transactor 数据库事务
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
