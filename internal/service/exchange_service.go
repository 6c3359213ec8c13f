// ========================================
// ExchangeService 挂单与订单
// ========================================
//
// 用户操作分两段:
//   1. 同步: 校验后在一个事务内写入 PENDING_TRANSACTION 的挂单/订单和 PENDING 流水
//   2. 异步: 事务最后一步投递链上提交任务，由 TxService 执行
//
// 校验顺序: 参数 (ValidationError) -> 所有权/状态 (ConflictError) -> 重复挂单
// 记录只有在 ReducerService 归约到对应链上事件后才成为权威状态。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// CreateListingRequest 一口价上架
type CreateListingRequest struct {
	NFTID    string
	Price    decimal.Decimal
	SellerID string
}

// CreateAuctionRequest 拍卖上架
type CreateAuctionRequest struct {
	NFTID    string
	Price    decimal.Decimal // 起拍价
	StartAt  int64           // 毫秒
	EndAt    int64
	SellerID string
}

// ExchangeConfig 挂单配置
type ExchangeConfig struct {
	ERC20Address string
	Retry        queue.RetryPolicy
}

// ExchangeService 挂单状态机
type ExchangeService struct {
	chain     contract.Caller
	tx        Transactor
	exchanges repository.ExchangeRepository
	orders    repository.OrderRepository
	wallets   repository.WalletRepository
	directory WalletDirectory
	queue     queue.Enqueuer
	nft       *contract.ERC721
	cfg       ExchangeConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewExchangeService 创建挂单服务
func NewExchangeService(
	chain contract.Caller,
	tx Transactor,
	exchanges repository.ExchangeRepository,
	orders repository.OrderRepository,
	wallets repository.WalletRepository,
	directory WalletDirectory,
	q queue.Enqueuer,
	nft *contract.ERC721,
	cfg ExchangeConfig,
) *ExchangeService {
	cfg.ERC20Address = strings.ToLower(cfg.ERC20Address)
	return &ExchangeService{
		chain:     chain,
		tx:        tx,
		exchanges: exchanges,
		orders:    orders,
		wallets:   wallets,
		directory: directory,
		queue:     q,
		nft:       nft,
		cfg:       cfg,
		logger:    logger.Named("exchange"),
		now:       time.Now,
	}
}

// CreateFixedPriceListing 创建一口价挂单
func (s *ExchangeService) CreateFixedPriceListing(ctx context.Context, req *CreateListingRequest) (*model.Exchange, error) {
	if !req.Price.IsPositive() {
		return nil, apperrors.ErrInvalidPrice
	}
	ex := &model.Exchange{
		Type:     model.ExchangeTypeSell,
		SellerID: req.SellerID,
		NFTID:    req.NFTID,
		Price:    req.Price,
	}
	if err := s.createExchange(ctx, ex, model.TxActionCreateSell); err != nil {
		return nil, err
	}
	return ex, nil
}

// CreateAuction 创建拍卖挂单
func (s *ExchangeService) CreateAuction(ctx context.Context, req *CreateAuctionRequest) (*model.Exchange, error) {
	if !req.Price.IsPositive() {
		return nil, apperrors.ErrInvalidPrice
	}
	if req.StartAt < s.now().UnixMilli() || req.EndAt <= req.StartAt {
		return nil, apperrors.ErrInvalidAuctionWindow.WithMessagef(
			"auction window [%d, %d] must start in the future and end after start", req.StartAt, req.EndAt)
	}
	ex := &model.Exchange{
		Type:           model.ExchangeTypeAuction,
		SellerID:       req.SellerID,
		NFTID:          req.NFTID,
		Price:          req.Price,
		AuctionStartAt: req.StartAt,
		AuctionEndAt:   req.EndAt,
	}
	if err := s.createExchange(ctx, ex, model.TxActionCreateAuction); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *ExchangeService) createExchange(ctx context.Context, ex *model.Exchange, action model.TxAction) error {
	tokenID, err := contract.TokenID(ex.NFTID)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidRequest, err, "invalid nft id %q", ex.NFTID)
	}
	seller, err := s.directory.WalletOf(ctx, ex.SellerID)
	if err != nil {
		return err
	}

	owner, err := s.nft.OwnerOf(ctx, s.chain, tokenID)
	if err != nil {
		return apperrors.Transient(err, "query owner of nft %s", ex.NFTID)
	}
	if !strings.EqualFold(owner.Hex(), seller.Address) {
		return apperrors.ErrNotOwner.WithDetail("nft_id", ex.NFTID)
	}

	if _, err := s.exchanges.FindActive(ctx, ex.NFTID, ex.SellerID); err == nil {
		return apperrors.ErrDuplicateListing.WithDetail("nft_id", ex.NFTID)
	} else if !errors.Is(err, repository.ErrExchangeNotFound) {
		return err
	}

	ex.ID = newID()
	ex.NFTAddress = strings.ToLower(s.nft.Address().Hex())
	ex.ERC20Address = s.cfg.ERC20Address
	ex.Status = model.ExchangeStatusPendingTransaction

	err = s.tx.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.exchanges.Create(txCtx, ex); err != nil {
			if errors.Is(err, repository.ErrActiveExchangeExists) {
				return apperrors.ErrDuplicateListing.WithDetail("nft_id", ex.NFTID)
			}
			return err
		}
		approveID, actionID, err := s.createWalletTxs(txCtx, seller, ex, model.WalletTxActionApproveNFT, action, ex.Price)
		if err != nil {
			return err
		}
		return s.enqueue(txCtx, &model.TxJob{
			Action:        action,
			ExchangeID:    ex.ID,
			NFTID:         ex.NFTID,
			NFTAddress:    ex.NFTAddress,
			ERC20Address:  ex.ERC20Address,
			Price:         ex.Price,
			SellerAddress: strings.ToLower(seller.Address),
			ActorAddress:  strings.ToLower(seller.Address),
			ApproveTxID:   approveID,
			ActionTxID:    actionID,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("exchange created",
		zap.String("exchange_id", ex.ID),
		zap.String("type", ex.Type.String()),
		zap.String("nft_id", ex.NFTID),
		zap.String("seller_id", ex.SellerID),
		zap.String("price", ex.Price.String()))
	return nil
}

// Buy 购买一口价挂单
func (s *ExchangeService) Buy(ctx context.Context, exchangeID, buyerID string) (*model.Order, error) {
	ex, err := s.GetExchange(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if ex.Status != model.ExchangeStatusOpen {
		return nil, apperrors.ErrExchangeNotOpen.WithDetail("status", ex.Status.String())
	}
	if ex.Type != model.ExchangeTypeSell {
		return nil, apperrors.ErrWrongExchangeType.WithDetail("type", ex.Type.String())
	}
	if ex.SellerID == buyerID {
		return nil, apperrors.ErrSelfPurchase
	}

	buyer, err := s.directory.WalletOf(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	sellerAddress, err := s.directory.WalletAddressOf(ctx, ex.SellerID)
	if err != nil {
		return nil, err
	}

	order := s.newOrder(ex, model.OrderTypeBuy, buyerID, ex.Price)
	if err := s.placeOrder(ctx, ex, order, buyer, sellerAddress, model.TxActionBuy); err != nil {
		return nil, err
	}
	return order, nil
}

// Bid 对拍卖出价
func (s *ExchangeService) Bid(ctx context.Context, exchangeID string, amount decimal.Decimal, bidderID string) (*model.Order, error) {
	ex, err := s.GetExchange(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if ex.Status != model.ExchangeStatusOpen {
		return nil, apperrors.ErrExchangeNotOpen.WithDetail("status", ex.Status.String())
	}
	if ex.Type != model.ExchangeTypeAuction {
		return nil, apperrors.ErrWrongExchangeType.WithDetail("type", ex.Type.String())
	}
	if !ex.InAuctionWindow(s.now().UnixMilli()) {
		return nil, apperrors.ErrAuctionNotActive
	}
	if ex.SellerID == bidderID {
		return nil, apperrors.ErrSelfBid
	}
	if !amount.IsPositive() {
		return nil, apperrors.ErrInvalidBidAmount
	}

	highest, err := s.orders.FindHighestBid(ctx, ex.ID)
	switch {
	case err == nil:
		if highest.UserID == bidderID {
			return nil, apperrors.ErrAlreadyHighest
		}
		if amount.LessThanOrEqual(highest.Price) {
			return nil, apperrors.ErrBidTooLow.WithMessagef("bid %s must exceed highest bid %s", amount, highest.Price)
		}
	case errors.Is(err, repository.ErrOrderNotFound):
		if amount.LessThan(ex.Price) {
			return nil, apperrors.ErrBidTooLow.WithMessagef("bid %s is below starting price %s", amount, ex.Price)
		}
	default:
		return nil, err
	}

	bidder, err := s.directory.WalletOf(ctx, bidderID)
	if err != nil {
		return nil, err
	}
	sellerAddress, err := s.directory.WalletAddressOf(ctx, ex.SellerID)
	if err != nil {
		return nil, err
	}

	order := s.newOrder(ex, model.OrderTypeBid, bidderID, amount)
	if err := s.placeOrder(ctx, ex, order, bidder, sellerAddress, model.TxActionBid); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *ExchangeService) newOrder(ex *model.Exchange, typ model.OrderType, userID string, price decimal.Decimal) *model.Order {
	return &model.Order{
		ID:           newID(),
		ExchangeID:   ex.ID,
		Type:         typ,
		UserID:       userID,
		NFTID:        ex.NFTID,
		NFTAddress:   ex.NFTAddress,
		ERC20Address: ex.ERC20Address,
		Price:        price,
		Status:       model.OrderStatusPendingTransaction,
	}
}

func (s *ExchangeService) placeOrder(ctx context.Context, ex *model.Exchange, order *model.Order, actor *model.Wallet, sellerAddress string, action model.TxAction) error {
	err := s.tx.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.orders.Create(txCtx, order); err != nil {
			return err
		}
		approveID, actionID, err := s.createWalletTxs(txCtx, actor, ex, model.WalletTxActionApproveToken, action, order.Price)
		if err != nil {
			return err
		}
		return s.enqueue(txCtx, &model.TxJob{
			Action:        action,
			ExchangeID:    ex.ID,
			OrderID:       order.ID,
			NFTID:         ex.NFTID,
			NFTAddress:    ex.NFTAddress,
			ERC20Address:  ex.ERC20Address,
			Price:         order.Price,
			SellerAddress: strings.ToLower(sellerAddress),
			ActorAddress:  strings.ToLower(actor.Address),
			ApproveTxID:   approveID,
			ActionTxID:    actionID,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("exchange_id", ex.ID),
		zap.String("type", order.Type.String()),
		zap.String("user_id", order.UserID),
		zap.String("price", order.Price.String()))
	return nil
}

// createWalletTxs 写入授权与动作两条 PENDING 流水
func (s *ExchangeService) createWalletTxs(ctx context.Context, w *model.Wallet, ex *model.Exchange, approve model.WalletTxAction, action model.TxAction, amount decimal.Decimal) (string, string, error) {
	approveTx := &model.WalletTransaction{
		ID:         newID(),
		WalletID:   w.ID,
		ExchangeID: ex.ID,
		NFTID:      ex.NFTID,
		Action:     approve,
		Amount:     amount,
		Status:     model.WalletTxStatusPending,
	}
	if approve == model.WalletTxActionApproveNFT {
		approveTx.Amount = decimal.Zero
	}
	actionTx := &model.WalletTransaction{
		ID:         newID(),
		WalletID:   w.ID,
		ExchangeID: ex.ID,
		NFTID:      ex.NFTID,
		Action:     action.WalletAction(),
		Amount:     amount,
		Status:     model.WalletTxStatusPending,
	}
	for _, t := range []*model.WalletTransaction{approveTx, actionTx} {
		if err := s.wallets.CreateTransaction(ctx, t); err != nil {
			return "", "", err
		}
	}
	return approveTx.ID, actionTx.ID, nil
}

func (s *ExchangeService) enqueue(ctx context.Context, job *model.TxJob) error {
	if _, err := s.queue.Enqueue(ctx, string(job.Action), job.Key(), job, s.cfg.Retry); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", job.Action, job.Key(), err)
	}
	return nil
}

// GetExchange 查询挂单
func (s *ExchangeService) GetExchange(ctx context.Context, id string) (*model.Exchange, error) {
	ex, err := s.exchanges.GetByID(ctx, id)
	if errors.Is(err, repository.ErrExchangeNotFound) {
		return nil, apperrors.ErrExchangeNotFound.WithDetail("exchange_id", id)
	}
	return ex, err
}

// ListExchanges 分页查询挂单，status 为空时不过滤
func (s *ExchangeService) ListExchanges(ctx context.Context, status *model.ExchangeStatus, page *repository.Pagination) ([]*model.Exchange, error) {
	return s.exchanges.List(ctx, status, page)
}

// ListOrders 查询挂单下的订单
func (s *ExchangeService) ListOrders(ctx context.Context, exchangeID string, typ model.OrderType) ([]*model.Order, error) {
	return s.orders.ListByExchange(ctx, exchangeID, typ)
}
