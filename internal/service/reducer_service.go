// ========================================
// ReducerService 链上事件归约
// ========================================
//
// 消费区间任务，拉取区间内的合约事件，按事件名分派到处理器。
//
// ## 幂等
// 区间任务至少投递一次，同一事件可能被重复归约。
// 每个处理器按链上标识 (tokenId, nftAddress, 卖家地址) 和期望前置状态重新定位记录，
// 状态迁移全部经过 model.ExchangeTransitions / model.OrderTransitions，
// 用 CAS 更新状态；前置状态不匹配即视为重放，按无操作处理。
//
// ## 失败
// 任一处理器报错则整个任务失败，由队列按固定退避重试。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eidos-exchange/eidos-nft/internal/blockchain"
	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// 归约结果
const (
	reduceApplied = "applied"
	reduceNoop    = "noop"
	reduceIgnored = "ignored"
	reduceFailed  = "failed"
)

// ReducerConfig 归约配置
type ReducerConfig struct {
	TimestampConcurrency int   // 区块时间并发查询数
	ERC20Decimals        int32 // 事件金额精度
}

// ReducerService 事件归约服务
type ReducerService struct {
	chain      ChainReader
	tx         Transactor
	exchanges  repository.ExchangeRepository
	orders     repository.OrderRepository
	nfts       repository.NFTRepository
	wallets    repository.WalletRepository
	directory  WalletDirectory
	settlement *SettlementService
	nft        *contract.ERC721
	cfg        ReducerConfig
	logger     *zap.Logger

	handlers map[string]eventHandler
}

type eventHandler func(ctx context.Context, ev *model.RawChainEvent) (bool, error)

// NewReducerService 创建归约服务
func NewReducerService(
	chain ChainReader,
	tx Transactor,
	exchanges repository.ExchangeRepository,
	orders repository.OrderRepository,
	nfts repository.NFTRepository,
	wallets repository.WalletRepository,
	directory WalletDirectory,
	settlement *SettlementService,
	nft *contract.ERC721,
	cfg ReducerConfig,
) *ReducerService {
	if cfg.TimestampConcurrency <= 0 {
		cfg.TimestampConcurrency = 5
	}
	s := &ReducerService{
		chain:      chain,
		tx:         tx,
		exchanges:  exchanges,
		orders:     orders,
		nfts:       nfts,
		wallets:    wallets,
		directory:  directory,
		settlement: settlement,
		nft:        nft,
		cfg:        cfg,
		logger:     logger.Named("reducer"),
	}
	s.handlers = map[string]eventHandler{
		model.EventNftListed:      s.handleListed,
		model.EventNftSold:        s.handleSold,
		model.EventAuctionCreated: s.handleAuctionCreated,
		model.EventBidPlaced:      s.handleBidPlaced,
		model.EventAuctionSettled: s.handleAuctionSettled,
		model.EventTransfer:       s.handleTransfer,
	}
	return s
}

// RangeHandler 返回区间任务的队列处理器
func (s *ReducerService) RangeHandler(stream string, decoder blockchain.LogDecoder) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
		var payload model.RangeJob
		if err := job.Decode(&payload); err != nil {
			return apperrors.Wrapf(apperrors.ErrInvalidRequest, err, "decode range job %s", job.Key)
		}
		start := time.Now()
		err := s.ProcessRange(ctx, decoder, payload.FromBlock, payload.ToBlock)
		metrics.ReduceDuration.WithLabelValues(stream).Observe(time.Since(start).Seconds())
		return err
	})
}

// ProcessRange 归约 [from, to] 内的全部事件
func (s *ReducerService) ProcessRange(ctx context.Context, decoder blockchain.LogDecoder, from, to uint64) error {
	events, err := s.chain.PastEvents(ctx, decoder, from, to)
	if err != nil {
		return apperrors.Transient(err, "fetch events [%d, %d]", from, to)
	}
	if len(events) == 0 {
		return nil
	}

	times, err := s.blockTimes(ctx, events)
	if err != nil {
		return apperrors.Transient(err, "fetch block times [%d, %d]", from, to)
	}

	log := logger.WithContext(ctx).With(zap.Uint64("from", from), zap.Uint64("to", to))
	for _, ev := range events {
		if t, ok := times.Load(ev.BlockNumber); ok {
			ev.BlockTime = t
		}
		if err := s.Dispatch(ctx, ev); err != nil {
			log.Error("event reduce failed",
				zap.String("event", ev.Event),
				zap.String("tx_hash", ev.TxHash),
				zap.Uint64("block", ev.BlockNumber),
				zap.Error(err))
			return err
		}
	}
	log.Info("range reduced", zap.Int("events", len(events)))
	return nil
}

// blockTimes 并发查询区间内不重复的区块时间
func (s *ReducerService) blockTimes(ctx context.Context, events []*model.RawChainEvent) (*xsync.Map[uint64, uint64], error) {
	times := xsync.NewMap[uint64, uint64]()
	seen := make(map[uint64]struct{}, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TimestampConcurrency)
	for _, ev := range events {
		number := ev.BlockNumber
		if _, ok := seen[number]; ok {
			continue
		}
		seen[number] = struct{}{}

		g.Go(func() error {
			t, err := s.chain.BlockTime(gctx, number)
			if err != nil {
				return fmt.Errorf("block %d: %w", number, err)
			}
			times.Store(number, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}

// Dispatch 归约单个事件，未知事件忽略
func (s *ReducerService) Dispatch(ctx context.Context, ev *model.RawChainEvent) error {
	handler, ok := s.handlers[ev.Event]
	if !ok {
		metrics.EventsReducedTotal.WithLabelValues(ev.Event, reduceIgnored).Inc()
		return nil
	}

	var applied bool
	err := s.tx.Transaction(ctx, func(txCtx context.Context) error {
		var err error
		applied, err = handler(txCtx, ev)
		return err
	})
	switch {
	case err != nil:
		metrics.EventsReducedTotal.WithLabelValues(ev.Event, reduceFailed).Inc()
		return err
	case applied:
		metrics.EventsReducedTotal.WithLabelValues(ev.Event, reduceApplied).Inc()
	default:
		metrics.EventsReducedTotal.WithLabelValues(ev.Event, reduceNoop).Inc()
	}
	return nil
}

// marketRef 市场合约事件的公共字段
type marketRef struct {
	tokenID    string
	nftAddress string
	seller     string
	sellerID   string
}

// resolveMarketRef 解析 tokenId/合约/卖家，卖家不是平台用户时 ok 为 false
func (s *ReducerService) resolveMarketRef(ctx context.Context, ev *model.RawChainEvent, nftField, sellerField string) (*marketRef, bool, error) {
	tokenID, err := ev.BigValue("tokenId")
	if err != nil {
		return nil, false, err
	}
	nftAddress, err := ev.AddressValue(nftField)
	if err != nil {
		return nil, false, err
	}
	seller, err := ev.AddressValue(sellerField)
	if err != nil {
		return nil, false, err
	}

	sellerID, err := s.directory.UserIDOfWallet(ctx, seller)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrWalletNotFound) {
			s.logger.Warn("event seller is not a platform wallet",
				zap.String("event", ev.Event),
				zap.String("seller", seller))
			return nil, false, nil
		}
		return nil, false, err
	}
	return &marketRef{
		tokenID:    tokenID.String(),
		nftAddress: nftAddress,
		seller:     seller,
		sellerID:   sellerID,
	}, true, nil
}

// transitionExchange 按迁移表定位挂单并 CAS 迁移，未命中返回 nil
func (s *ReducerService) transitionExchange(ctx context.Context, ref *marketRef, typ model.ExchangeType, trigger model.Trigger, fields map[string]interface{}) (*model.Exchange, error) {
	from, ok := model.ExchangeSourceOf(typ, trigger)
	if !ok {
		return nil, nil
	}
	ex, err := s.exchanges.FindByLookup(ctx, repository.ExchangeLookup{
		NFTID:      ref.tokenID,
		NFTAddress: ref.nftAddress,
		SellerID:   ref.sellerID,
		Type:       typ,
		Status:     from,
	})
	if errors.Is(err, repository.ErrExchangeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	changed, err := casExchange(ctx, s.exchanges, ex, trigger, fields)
	if err != nil || !changed {
		return nil, err
	}
	return ex, nil
}

// handleListed NftListed: 一口价挂单上架
func (s *ReducerService) handleListed(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	ref, ok, err := s.resolveMarketRef(ctx, ev, "nftAddress", "seller")
	if err != nil || !ok {
		return false, err
	}
	price, err := ev.BigValue("price")
	if err != nil {
		return false, err
	}

	ex, err := s.transitionExchange(ctx, ref, model.ExchangeTypeSell, model.TriggerListed, nil)
	if err != nil || ex == nil {
		return false, err
	}

	err = s.upsertNFT(ctx, ref.nftAddress, ref.tokenID, map[string]interface{}{
		"owner":  ref.seller,
		"price":  contract.FromTokenUnits(price, s.cfg.ERC20Decimals),
		"status": model.NFTStatusSell,
	}, ref.sellerID)
	if err != nil {
		return false, err
	}

	s.logger.Info("nft listed",
		zap.String("exchange_id", ex.ID),
		zap.String("nft_id", ref.tokenID))
	return true, nil
}

// handleSold NftSold: 一口价成交
func (s *ReducerService) handleSold(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	ref, ok, err := s.resolveMarketRef(ctx, ev, "nftAddress", "seller")
	if err != nil || !ok {
		return false, err
	}
	units, err := ev.BigValue("price")
	if err != nil {
		return false, err
	}
	buyer, err := ev.AddressValue("buyer")
	if err != nil {
		return false, err
	}
	// 链上买家可能不是平台钱包，此时只同步挂单和所有权
	buyerID, err := s.directory.UserIDOfWallet(ctx, buyer)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrWalletNotFound) {
			return false, err
		}
		s.logger.Warn("event buyer is not a platform wallet",
			zap.String("event", ev.Event),
			zap.String("buyer", buyer))
		buyerID = ""
	}
	price := contract.FromTokenUnits(units, s.cfg.ERC20Decimals)

	ex, err := s.transitionExchange(ctx, ref, model.ExchangeTypeSell, model.TriggerSold, map[string]interface{}{
		"buyer_id": buyerID,
	})
	if err != nil || ex == nil {
		return false, err
	}

	if buyerID != "" {
		order, err := s.orders.FindOldest(ctx, ex.ID, buyerID, model.OrderTypeBuy, model.OrderStatusPendingTransaction)
		switch {
		case err == nil:
			if _, err := casOrder(ctx, s.orders, order, model.TriggerSold); err != nil {
				return false, err
			}
		case errors.Is(err, repository.ErrOrderNotFound):
			s.logger.Warn("sold without pending buy order",
				zap.String("exchange_id", ex.ID),
				zap.String("buyer_id", buyerID))
		default:
			return false, err
		}
	}

	err = s.upsertNFT(ctx, ref.nftAddress, ref.tokenID, map[string]interface{}{
		"owner":          buyer,
		"owner_id":       buyerID,
		"price":          price,
		"status":         model.NFTStatusOwner,
		"date_purchased": ev.BlockTimeMs(),
	}, buyerID)
	if err != nil {
		return false, err
	}

	sellerWallet, err := s.directory.WalletOf(ctx, ref.sellerID)
	if err != nil {
		return false, err
	}
	err = s.wallets.CreateTransaction(ctx, &model.WalletTransaction{
		ID:         newID(),
		WalletID:   sellerWallet.ID,
		ExchangeID: ex.ID,
		NFTID:      ref.tokenID,
		Action:     model.WalletTxActionSellFixed,
		Amount:     price,
		TxHash:     ev.TxHash,
		Status:     model.WalletTxStatusSuccess,
	})
	if err != nil {
		return false, err
	}

	s.logger.Info("nft sold",
		zap.String("exchange_id", ex.ID),
		zap.String("nft_id", ref.tokenID),
		zap.String("buyer_id", buyerID))
	return true, nil
}

// handleAuctionCreated AuctionCreated: 拍卖上架
func (s *ReducerService) handleAuctionCreated(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	ref, ok, err := s.resolveMarketRef(ctx, ev, "nftAddress", "auctioner")
	if err != nil || !ok {
		return false, err
	}

	ex, err := s.transitionExchange(ctx, ref, model.ExchangeTypeAuction, model.TriggerAuctionCreated, nil)
	if err != nil || ex == nil {
		return false, err
	}

	err = s.upsertNFT(ctx, ref.nftAddress, ref.tokenID, map[string]interface{}{
		"owner":  ref.seller,
		"status": model.NFTStatusAuction,
	}, ref.sellerID)
	if err != nil {
		return false, err
	}

	s.logger.Info("auction opened",
		zap.String("exchange_id", ex.ID),
		zap.String("nft_id", ref.tokenID))
	return true, nil
}

// handleBidPlaced BidPlaced: 出价上链，退还被超过的次高出价
func (s *ReducerService) handleBidPlaced(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	ref, ok, err := s.resolveMarketRef(ctx, ev, "tokenContract", "auctioner")
	if err != nil || !ok {
		return false, err
	}
	bidder, err := ev.AddressValue("bidder")
	if err != nil {
		return false, err
	}
	units, err := ev.BigValue("price")
	if err != nil {
		return false, err
	}
	price := contract.FromTokenUnits(units, s.cfg.ERC20Decimals)
	bidderID, err := s.directory.UserIDOfWallet(ctx, bidder)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrWalletNotFound) {
			s.logger.Warn("event bidder is not a platform wallet",
				zap.String("event", ev.Event),
				zap.String("bidder", bidder))
			return false, nil
		}
		return false, err
	}

	// 拍卖到期后仍可能收到到期前的出价事件
	var ex *model.Exchange
	for _, status := range []model.ExchangeStatus{model.ExchangeStatusOpen, model.ExchangeStatusHandlingAuction} {
		ex, err = s.exchanges.FindByLookup(ctx, repository.ExchangeLookup{
			NFTID:      ref.tokenID,
			NFTAddress: ref.nftAddress,
			SellerID:   ref.sellerID,
			Type:       model.ExchangeTypeAuction,
			Status:     status,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrExchangeNotFound) {
			return false, err
		}
	}
	if ex == nil {
		return false, nil
	}

	// 同一出价人可能有更新的未上链出价，只确认金额一致的那一笔
	from, _ := model.OrderSourceOf(model.OrderTypeBid, model.TriggerBidPlaced)
	pending, err := s.orders.ListByExchange(ctx, ex.ID, model.OrderTypeBid, from)
	if err != nil {
		return false, err
	}
	var order *model.Order
	for _, o := range pending {
		if o.UserID == bidderID && o.Price.Equal(price) {
			order = o
			break
		}
	}
	if order == nil {
		return false, nil
	}
	changed, err := casOrder(ctx, s.orders, order, model.TriggerBidPlaced)
	if err != nil || !changed {
		return false, err
	}

	if err := s.refundOutbid(ctx, ex, bidderID, ev); err != nil {
		return false, err
	}

	s.logger.Info("bid confirmed",
		zap.String("exchange_id", ex.ID),
		zap.String("order_id", order.ID),
		zap.String("bidder_id", bidderID))
	return true, nil
}

// refundOutbid 为其他出价人的最高已上链出价记录退款
func (s *ReducerService) refundOutbid(ctx context.Context, ex *model.Exchange, bidderID string, ev *model.RawChainEvent) error {
	bids, err := s.orders.ListByExchange(ctx, ex.ID, model.OrderTypeBid, model.OrderStatusWaitingSettle)
	if err != nil {
		return err
	}
	var outbid *model.Order
	for _, b := range bids {
		if b.UserID == bidderID {
			continue
		}
		if outbid == nil || b.Price.GreaterThan(outbid.Price) {
			outbid = b
		}
	}
	if outbid == nil {
		return nil
	}

	w, err := s.directory.WalletOf(ctx, outbid.UserID)
	if err != nil {
		return err
	}
	err = s.wallets.CreateTransaction(ctx, &model.WalletTransaction{
		ID:         newID(),
		WalletID:   w.ID,
		ExchangeID: ex.ID,
		NFTID:      ex.NFTID,
		Action:     model.WalletTxActionRefundBid,
		Amount:     outbid.Price,
		TxHash:     ev.TxHash,
		Status:     model.WalletTxStatusSuccess,
	})
	if err != nil {
		return err
	}
	s.logger.Info("outbid refunded",
		zap.String("exchange_id", ex.ID),
		zap.String("user_id", outbid.UserID),
		zap.String("amount", outbid.Price.String()))
	return nil
}

// handleAuctionSettled AuctionSettled: 拍卖结算
func (s *ReducerService) handleAuctionSettled(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	ref, ok, err := s.resolveMarketRef(ctx, ev, "tokenContract", "auctioner")
	if err != nil || !ok {
		return false, err
	}

	from, _ := model.ExchangeSourceOf(model.ExchangeTypeAuction, model.TriggerAuctionSettled)
	ex, err := s.exchanges.FindByLookup(ctx, repository.ExchangeLookup{
		NFTID:      ref.tokenID,
		NFTAddress: ref.nftAddress,
		SellerID:   ref.sellerID,
		Type:       model.ExchangeTypeAuction,
		Status:     from,
	})
	if errors.Is(err, repository.ErrExchangeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return s.settlement.Finalize(ctx, ex, ev)
}

// handleTransfer ERC-721 Transfer: 同步持有人
func (s *ReducerService) handleTransfer(ctx context.Context, ev *model.RawChainEvent) (bool, error) {
	tokenID, err := ev.BigValue("tokenId")
	if err != nil {
		return false, err
	}
	from, err := ev.AddressValue("from")
	if err != nil {
		return false, err
	}
	to, err := ev.AddressValue("to")
	if err != nil {
		return false, err
	}
	collection := strings.ToLower(ev.Address)

	ownerID := ""
	if uid, err := s.directory.UserIDOfWallet(ctx, to); err == nil {
		ownerID = uid
	} else if !apperrors.Is(err, apperrors.ErrWalletNotFound) {
		return false, err
	}

	existing, err := s.nfts.Get(ctx, collection, tokenID.String())
	if err != nil && !errors.Is(err, repository.ErrNFTNotFound) {
		return false, err
	}

	if existing == nil {
		uri, err := s.nft.TokenURI(ctx, s.chain, tokenID)
		if err != nil {
			s.logger.Warn("token uri lookup failed",
				zap.String("nft_id", tokenID.String()),
				zap.Error(err))
		}
		nft := &model.NFT{
			NFTID:         tokenID.String(),
			NFTAddress:    collection,
			Owner:         to,
			OwnerID:       ownerID,
			TokenURI:      uri,
			Status:        model.NFTStatusOwner,
			DatePurchased: ev.BlockTimeMs(),
		}
		created, err := s.nfts.CreateIfAbsent(ctx, nft)
		if err != nil {
			return false, err
		}
		if created {
			s.logger.Info("nft discovered",
				zap.String("nft_id", nft.NFTID),
				zap.Bool("minted", from == model.ZeroAddress),
				zap.String("owner", to))
			return true, nil
		}
	}

	fields := map[string]interface{}{
		"owner":          to,
		"date_purchased": ev.BlockTimeMs(),
	}
	// 转入非平台地址 (如市场合约托管) 时保留原平台用户
	if ownerID != "" {
		fields["owner_id"] = ownerID
	}
	if err := s.nfts.Update(ctx, collection, tokenID.String(), fields); err != nil {
		return false, err
	}
	return true, nil
}

// upsertNFT 更新 NFT，镜像尚未由 Transfer 建立时先创建
func (s *ReducerService) upsertNFT(ctx context.Context, nftAddress, nftID string, fields map[string]interface{}, ownerID string) error {
	err := s.nfts.Update(ctx, nftAddress, nftID, fields)
	if !errors.Is(err, repository.ErrNFTNotFound) {
		return err
	}

	nft := &model.NFT{
		NFTID:      nftID,
		NFTAddress: strings.ToLower(nftAddress),
		OwnerID:    ownerID,
		Status:     model.NFTStatusOwner,
	}
	if v, ok := fields["owner"].(string); ok {
		nft.Owner = v
	}
	if _, err := s.nfts.CreateIfAbsent(ctx, nft); err != nil {
		return err
	}
	return s.nfts.Update(ctx, nftAddress, nftID, fields)
}
