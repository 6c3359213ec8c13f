// ========================================
// TxService 链上提交流水线
// ========================================
//
// 每个动作一个队列，任务分两步执行:
//   1. 授权: buy/bid 授权 ERC-20 (价格 + 市场手续费)，上架授权 NFT，由托管服务以用户钱包发出
//   2. 动作: 轮询签名账户，打包市场合约调用，签名广播
//
// 每一步的交易哈希先写入 PENDING 流水再等待回执，
// 重试时先检查已记录的哈希: 已成功则跳过，未上链则继续等待，回滚则重新发送。
//
// 回执等待受 ReceiptTimeout 限制，超时返回 StuckJob，不自动重试。
// 回滚在最后一次尝试时把流水标记为 FAILED，挂单/订单状态不变。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/blockchain"
	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

var (
	ErrReceiptTimeout = errors.New("receipt wait timed out")
	ErrTxReverted     = errors.New("transaction reverted")
	ErrStepFailed     = errors.New("step already marked failed")
)

// TxConfig 提交配置
type TxConfig struct {
	GasLimit       uint64
	GasPrice       *big.Int // nil 时使用节点建议价格
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// TxService 链上提交服务
type TxService struct {
	chain       ChainWriter
	nonces      NonceAllocator
	signers     SignerSelector
	custodian   Custodian
	wallets     repository.WalletRepository
	marketplace *contract.Marketplace
	erc20       *contract.ERC20
	cfg         TxConfig
	logger      *zap.Logger
}

// NewTxService 创建提交服务
func NewTxService(
	chain ChainWriter,
	nonces NonceAllocator,
	signers SignerSelector,
	custodian Custodian,
	wallets repository.WalletRepository,
	marketplace *contract.Marketplace,
	erc20 *contract.ERC20,
	cfg TxConfig,
) *TxService {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500000
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 10 * time.Minute
	}
	return &TxService{
		chain:       chain,
		nonces:      nonces,
		signers:     signers,
		custodian:   custodian,
		wallets:     wallets,
		marketplace: marketplace,
		erc20:       erc20,
		cfg:         cfg,
		logger:      logger.Named("tx"),
	}
}

// Handler 返回动作队列处理器
func (s *TxService) Handler() queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
		var payload model.TxJob
		if err := job.Decode(&payload); err != nil {
			return apperrors.Wrapf(apperrors.ErrInvalidRequest, err, "decode tx job %s", job.Key)
		}
		return s.Submit(ctx, &payload, job.Exhausted())
	})
}

// Submit 执行授权与动作，final 表示本次是最后一次尝试
func (s *TxService) Submit(ctx context.Context, job *model.TxJob, final bool) error {
	action := string(job.Action)
	start := time.Now()

	if err := s.approve(ctx, job, final); err != nil {
		metrics.TxSubmittedTotal.WithLabelValues(action, "approve_failed").Inc()
		return err
	}

	mined := &minedTx{}
	err := s.runStep(ctx, job.ActionTxID, final, func(ctx context.Context) (string, error) {
		return s.broadcast(ctx, job, mined)
	})
	if err != nil {
		metrics.TxSubmittedTotal.WithLabelValues(action, "failed").Inc()
		return err
	}
	if mined.hash != "" {
		if err := s.nonces.OnTxMined(ctx, mined.signer, mined.nonce, mined.hash); err != nil {
			s.logger.Warn("nonce bookkeeping failed", zap.String("tx_hash", mined.hash), zap.Error(err))
		}
	}

	metrics.TxSubmittedTotal.WithLabelValues(action, "success").Inc()
	metrics.TxConfirmDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	s.logger.Info("tx confirmed",
		zap.String("action", action),
		zap.String("exchange_id", job.ExchangeID),
		zap.String("order_id", job.OrderID))
	return nil
}

// minedTx 本次尝试中广播的交易
type minedTx struct {
	signer common.Address
	nonce  uint64
	hash   string
}

// approve 授权步骤
func (s *TxService) approve(ctx context.Context, job *model.TxJob, final bool) error {
	if job.ApproveTxID == "" {
		return nil
	}
	switch {
	case job.Action.NeedsTokenApprove():
		return s.runStep(ctx, job.ApproveTxID, final, func(ctx context.Context) (string, error) {
			amount, err := s.approveAmount(ctx, job.Price)
			if err != nil {
				return "", err
			}
			// 流水记录实际授权额度
			if err := s.wallets.UpdateTransactionAmount(ctx, job.ApproveTxID, amount); err != nil {
				return "", err
			}
			return s.custodian.ApproveToken(ctx, job.ActorAddress, s.marketplace.Address().Hex(), amount)
		})
	case job.Action.NeedsNFTApprove():
		return s.runStep(ctx, job.ApproveTxID, final, func(ctx context.Context) (string, error) {
			return s.custodian.ApproveNFT(ctx, job.SellerAddress, s.marketplace.Address().Hex(), job.NFTID)
		})
	default:
		return nil
	}
}

// approveAmount 价格加市场手续费，手续费为万分比
func (s *TxService) approveAmount(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	fee, err := s.marketplace.MarketFeePercentage(ctx, s.chain)
	if err != nil {
		return decimal.Zero, apperrors.Transient(err, "query market fee")
	}
	feeAmount := price.Mul(decimal.NewFromBigInt(fee, 0)).Div(decimal.NewFromInt(10000))
	return price.Add(feeAmount), nil
}

// runStep 发送并确认一笔交易，recordID 为对应的钱包流水
func (s *TxService) runStep(ctx context.Context, recordID string, final bool, send func(ctx context.Context) (string, error)) error {
	var hash string
	if recordID != "" {
		rec, err := s.wallets.GetTransaction(ctx, recordID)
		if err != nil {
			return err
		}
		switch rec.Status {
		case model.WalletTxStatusSuccess:
			return nil
		case model.WalletTxStatusFailed:
			return apperrors.Stuck(ErrStepFailed, "wallet tx %s", rec.ID)
		}

		if rec.TxHash != "" {
			receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(rec.TxHash))
			if err != nil {
				return apperrors.Transient(err, "check receipt %s", rec.TxHash)
			}
			if receipt == nil || receipt.Status == types.ReceiptStatusSuccessful {
				hash = rec.TxHash
			} else {
				s.logger.Warn("recorded tx reverted, resending",
					zap.String("wallet_tx_id", rec.ID),
					zap.String("tx_hash", rec.TxHash))
			}
		}
	}

	if hash == "" {
		sent, err := send(ctx)
		if err != nil {
			return err
		}
		hash = sent
		if recordID != "" {
			if err := s.wallets.UpdateTransactionStatus(ctx, recordID, model.WalletTxStatusPending, hash); err != nil {
				return err
			}
		}
	}

	receipt, err := s.waitReceipt(ctx, hash)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if final && recordID != "" {
			if err := s.wallets.UpdateTransactionStatus(ctx, recordID, model.WalletTxStatusFailed, ""); err != nil {
				return err
			}
		}
		return apperrors.Transient(ErrTxReverted, "tx %s", hash)
	}
	if recordID != "" {
		return s.wallets.UpdateTransactionStatus(ctx, recordID, model.WalletTxStatusSuccess, "")
	}
	return nil
}

// broadcast 构建、签名并广播市场合约调用
func (s *TxService) broadcast(ctx context.Context, job *model.TxJob, mined *minedTx) (string, error) {
	data, err := s.calldata(ctx, job)
	if err != nil {
		return "", err
	}
	gasPrice := s.cfg.GasPrice
	if gasPrice == nil {
		if gasPrice, err = s.chain.SuggestGasPrice(ctx); err != nil {
			return "", apperrors.Transient(err, "suggest gas price")
		}
	}

	signer := s.signers.Next()
	metrics.SignerUsageTotal.WithLabelValues(signer.Address.Hex()).Inc()

	nonce, err := s.nonces.AcquireNonce(ctx, signer.Address)
	if err != nil {
		return "", apperrors.Transient(err, "acquire nonce for %s", signer.Address.Hex())
	}

	tx := types.NewTransaction(nonce, s.marketplace.Address(), big.NewInt(0), s.cfg.GasLimit, gasPrice, data)
	signed, err := s.chain.SignTransaction(tx, signer.Key)
	if err != nil {
		s.releaseNonce(ctx, signer.Address, nonce)
		return "", fmt.Errorf("sign %s tx: %w", job.Action, err)
	}

	hash, err := s.chain.SendTransaction(ctx, signed)
	if err != nil {
		s.releaseNonce(ctx, signer.Address, nonce)
		if errors.Is(err, blockchain.ErrNonceTooLow) {
			if syncErr := s.nonces.HandleNonceTooLow(ctx, signer.Address); syncErr != nil {
				s.logger.Warn("nonce resync failed", zap.Error(syncErr))
			}
		}
		return "", apperrors.Transient(err, "broadcast %s", job.Action)
	}

	if err := s.nonces.ConfirmNonce(ctx, signer.Address, nonce, hash.Hex()); err != nil {
		s.logger.Warn("confirm nonce failed", zap.Uint64("nonce", nonce), zap.Error(err))
	}
	mined.signer = signer.Address
	mined.nonce = nonce
	mined.hash = hash.Hex()

	s.logger.Info("tx broadcast",
		zap.String("action", string(job.Action)),
		zap.String("tx_hash", hash.Hex()),
		zap.String("signer", signer.Address.Hex()),
		zap.Uint64("nonce", nonce))
	return hash.Hex(), nil
}

func (s *TxService) releaseNonce(ctx context.Context, addr common.Address, nonce uint64) {
	if err := s.nonces.ReleaseNonce(ctx, addr, nonce); err != nil {
		s.logger.Warn("release nonce failed",
			zap.String("signer", addr.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
	}
}

// calldata 按动作打包市场合约调用
func (s *TxService) calldata(ctx context.Context, job *model.TxJob) ([]byte, error) {
	tokenID, err := contract.TokenID(job.NFTID)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRequest, err, "invalid nft id %q", job.NFTID)
	}
	nft := common.HexToAddress(job.NFTAddress)
	erc20 := common.HexToAddress(job.ERC20Address)
	seller := common.HexToAddress(job.SellerAddress)
	actor := common.HexToAddress(job.ActorAddress)

	units := func() (*big.Int, error) {
		d, err := s.erc20.Decimals(ctx, s.chain, erc20)
		if err != nil {
			return nil, apperrors.Transient(err, "query decimals of %s", job.ERC20Address)
		}
		return contract.ToTokenUnits(job.Price, int32(d)), nil
	}

	switch job.Action {
	case model.TxActionCreateSell:
		price, err := units()
		if err != nil {
			return nil, err
		}
		return s.marketplace.PackSellNFT(tokenID, price, erc20, seller, nft)
	case model.TxActionCreateAuction:
		price, err := units()
		if err != nil {
			return nil, err
		}
		return s.marketplace.PackCreateAuction(tokenID, price, erc20, seller, nft)
	case model.TxActionBuy:
		return s.marketplace.PackBuyNFT(tokenID, nft, seller, actor)
	case model.TxActionBid:
		price, err := units()
		if err != nil {
			return nil, err
		}
		return s.marketplace.PackPlaceBid(tokenID, price, nft, seller, actor)
	case model.TxActionSettleAuction:
		return s.marketplace.PackSettleAuction(tokenID, nft, seller)
	default:
		return nil, apperrors.ErrInvalidRequest.WithMessagef("unknown tx action %q", job.Action)
	}
}

// waitReceipt 轮询回执直到上链、超时或 ctx 取消
func (s *TxService) waitReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	txHash := common.HexToHash(hash)
	for {
		receipt, err := s.chain.TransactionReceipt(waitCtx, txHash)
		if err != nil && waitCtx.Err() == nil {
			s.logger.Debug("receipt query failed", zap.String("tx_hash", hash), zap.Error(err))
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.Stuck(ErrReceiptTimeout, "tx %s not mined after %s", hash, s.cfg.ReceiptTimeout)
		case <-time.After(s.cfg.ReceiptPoll):
		}
	}
}
