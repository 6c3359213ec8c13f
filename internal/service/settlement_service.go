// ========================================
// SettlementService 拍卖结算
// ========================================
//
// ## 到期扫描
// cron 定时触发，持有 Redis 锁的副本查询 OPEN 且 auction_end_at <= now 的拍卖，
// CAS 迁移到 HANDLING_AUCTION，并在同一事务内投递 settle_auction 任务 (键 = exchangeId)。
//
// ## 结算任务
//   - 无未终结出价: 直接 ENDED，不产生 WIN/LOSE
//   - 否则提交链上 settleAuction，等待 AuctionSettled 事件
//
// ## 终结 (AuctionSettled)
// 每个出价人保留最高出价，按 tie_break 选出赢家，
// 赢家 WIN，其余 LOSE，卖家记一条 sell_auction 流水，挂单 ENDED。
//
// 链上结算重试耗尽后挂单保持 HANDLING_AUCTION，由运维调用 RetrySettlement。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

var (
	ErrSettlementAlreadyRunning = errors.New("settlement scanner already running")
)

// TieBreak 最高出价相同时的选择规则
type TieBreak string

const (
	TieBreakFirst    TieBreak = "first"    // 按出价记录顺序先遇到者
	TieBreakEarliest TieBreak = "earliest" // 出价时间最早者
	TieBreakLatest   TieBreak = "latest"   // 出价时间最晚者
)

// ParseTieBreak 解析配置值，空值为 first
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakFirst:
		return TieBreakFirst, nil
	case TieBreakEarliest, TieBreakLatest:
		return TieBreak(s), nil
	default:
		return "", fmt.Errorf("unknown tie break %q", s)
	}
}

// Ranking 出价排名结果
type Ranking struct {
	Winner    *model.Order
	Effective []*model.Order // 每个出价人一条，按首次出现顺序
	Losers    []*model.Order // 除赢家外的全部出价
}

// Rank 按出价人归并后选出赢家
// orders 需按出价顺序排列
func Rank(orders []*model.Order, policy TieBreak) Ranking {
	better := func(candidate, current *model.Order) bool {
		switch cmp := candidate.Price.Cmp(current.Price); {
		case cmp > 0:
			return true
		case cmp < 0:
			return false
		}
		switch policy {
		case TieBreakEarliest:
			return candidate.CreatedAt < current.CreatedAt
		case TieBreakLatest:
			return candidate.CreatedAt > current.CreatedAt
		default:
			return false
		}
	}

	index := make(map[string]int)
	var effective []*model.Order
	for _, o := range orders {
		i, ok := index[o.UserID]
		if !ok {
			index[o.UserID] = len(effective)
			effective = append(effective, o)
			continue
		}
		if o.Price.GreaterThan(effective[i].Price) {
			effective[i] = o
		}
	}

	var winner *model.Order
	for _, o := range effective {
		if winner == nil || better(o, winner) {
			winner = o
		}
	}

	ranking := Ranking{Winner: winner, Effective: effective}
	for _, o := range orders {
		if o != winner {
			ranking.Losers = append(ranking.Losers, o)
		}
	}
	return ranking
}

// TxSubmitter 链上提交
type TxSubmitter interface {
	Submit(ctx context.Context, job *model.TxJob, final bool) error
}

// JobRegistry 任务去重状态
type JobRegistry interface {
	State(ctx context.Context, queue, key string) (queue.JobState, error)
	Reset(ctx context.Context, queue, key string) (queue.JobState, error)
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	ScanCron  string
	BatchSize int
	TieBreak  TieBreak
	Retry     queue.RetryPolicy
	LockTTL   time.Duration
}

const settlementLockKey = "eidos:nft:settlement:scan:lock"

// SettlementService 拍卖结算服务
type SettlementService struct {
	tx        Transactor
	exchanges repository.ExchangeRepository
	orders    repository.OrderRepository
	nfts      repository.NFTRepository
	wallets   repository.WalletRepository
	directory WalletDirectory
	queue     queue.Enqueuer
	jobs      JobRegistry
	submitter TxSubmitter
	rdb       redis.UniversalClient
	cfg       SettlementConfig
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSettlementService 创建结算服务
func NewSettlementService(
	tx Transactor,
	exchanges repository.ExchangeRepository,
	orders repository.OrderRepository,
	nfts repository.NFTRepository,
	wallets repository.WalletRepository,
	directory WalletDirectory,
	q queue.Enqueuer,
	jobs JobRegistry,
	submitter TxSubmitter,
	rdb redis.UniversalClient,
	cfg SettlementConfig,
) *SettlementService {
	if cfg.ScanCron == "" {
		cfg.ScanCron = "@every 100s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakFirst
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &SettlementService{
		tx:        tx,
		exchanges: exchanges,
		orders:    orders,
		nfts:      nfts,
		wallets:   wallets,
		directory: directory,
		queue:     q,
		jobs:      jobs,
		submitter: submitter,
		rdb:       rdb,
		cfg:       cfg,
		logger:    logger.Named("settlement"),
		now:       time.Now,
	}
}

// Start 启动到期扫描
func (s *SettlementService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSettlementAlreadyRunning
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.ScanCron, func() {
		if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expired auction scan failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scan cron %q: %w", s.cfg.ScanCron, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("settlement scanner started", zap.String("cron", s.cfg.ScanCron))
	return nil
}

// Stop 停止扫描，等待进行中的扫描结束
func (s *SettlementService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("settlement scanner stopped")
}

// Scan 执行一次到期扫描
func (s *SettlementService) Scan(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, settlementLockKey, token, s.cfg.LockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		s.logger.Debug("scan lock held by another instance")
		return nil
	}
	defer s.releaseLock(token)

	expired, err := s.exchanges.ListExpiredAuctions(ctx, s.now().UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired auctions: %w", err)
	}
	metrics.ExpiredAuctionsGauge.Set(float64(len(expired)))

	var handed int
	for _, ex := range expired {
		if err := s.handOff(ctx, ex); err != nil {
			s.logger.Error("auction hand-off failed",
				zap.String("exchange_id", ex.ID),
				zap.Error(err))
			continue
		}
		handed++
	}
	if len(expired) > 0 {
		s.logger.Info("expired auctions handed off",
			zap.Int("found", len(expired)),
			zap.Int("handed", handed))
	}
	return nil
}

func (s *SettlementService) releaseLock(token string) {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rdb.Eval(ctx, script, []string{settlementLockKey}, token).Err(); err != nil && err != redis.Nil {
		s.logger.Warn("release scan lock failed", zap.Error(err))
	}
}

// handOff OPEN -> HANDLING_AUCTION 并投递结算任务，投递失败时回滚状态
func (s *SettlementService) handOff(ctx context.Context, ex *model.Exchange) error {
	return s.tx.Transaction(ctx, func(txCtx context.Context) error {
		changed, err := casExchange(txCtx, s.exchanges, ex, model.TriggerAuctionExpired, nil)
		if err != nil || !changed {
			return err
		}
		return s.enqueueSettle(txCtx, ex)
	})
}

func (s *SettlementService) enqueueSettle(ctx context.Context, ex *model.Exchange) error {
	seller, err := s.directory.WalletAddressOf(ctx, ex.SellerID)
	if err != nil {
		return err
	}
	job := model.TxJob{
		Action:        model.TxActionSettleAuction,
		ExchangeID:    ex.ID,
		NFTID:         ex.NFTID,
		NFTAddress:    ex.NFTAddress,
		ERC20Address:  ex.ERC20Address,
		Price:         ex.Price,
		SellerAddress: seller,
		ActorAddress:  seller,
	}
	if _, err := s.queue.Enqueue(ctx, string(model.TxActionSettleAuction), job.Key(), job, s.cfg.Retry); err != nil {
		return fmt.Errorf("enqueue settlement %s: %w", ex.ID, err)
	}
	return nil
}

// SettleHandler 返回 settle_auction 队列处理器
func (s *SettlementService) SettleHandler() queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
		var payload model.TxJob
		if err := job.Decode(&payload); err != nil {
			return apperrors.Wrapf(apperrors.ErrInvalidRequest, err, "decode settle job %s", job.Key)
		}
		return s.Settle(ctx, &payload, job.Exhausted())
	})
}

// Settle 处理结算任务
func (s *SettlementService) Settle(ctx context.Context, job *model.TxJob, final bool) error {
	ex, err := s.exchanges.GetByID(ctx, job.ExchangeID)
	if err != nil {
		if errors.Is(err, repository.ErrExchangeNotFound) {
			return apperrors.ErrExchangeNotFound.WithDetail("exchange_id", job.ExchangeID)
		}
		return err
	}
	log := s.logger.With(zap.String("exchange_id", ex.ID))
	if ex.Status != model.ExchangeStatusHandlingAuction {
		log.Info("settlement skipped", zap.String("status", ex.Status.String()))
		return nil
	}

	bids, err := s.orders.ListByExchange(ctx, ex.ID, model.OrderTypeBid,
		model.OrderStatusPendingTransaction, model.OrderStatusWaitingSettle)
	if err != nil {
		return err
	}
	if len(bids) == 0 {
		return s.endWithoutBids(ctx, ex)
	}

	ranking := Rank(bids, s.cfg.TieBreak)
	log.Info("submitting auction settlement",
		zap.Int("bids", len(bids)),
		zap.String("leading_order", ranking.Winner.ID),
		zap.String("leading_price", ranking.Winner.Price.String()))

	if job.ActionTxID == "" {
		id, err := s.settleRecord(ctx, ex)
		if err != nil {
			return err
		}
		job.ActionTxID = id
	}
	if err := s.submitter.Submit(ctx, job, final); err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("submitted").Inc()
	return nil
}

// settleRecord 复用或创建卖家的 settle_auction 流水
func (s *SettlementService) settleRecord(ctx context.Context, ex *model.Exchange) (string, error) {
	txs, err := s.wallets.ListTransactionsByExchange(ctx, ex.ID)
	if err != nil {
		return "", err
	}
	for _, t := range txs {
		if t.Action == model.WalletTxActionSettle && t.Status == model.WalletTxStatusPending {
			return t.ID, nil
		}
	}

	w, err := s.directory.WalletOf(ctx, ex.SellerID)
	if err != nil {
		return "", err
	}
	record := &model.WalletTransaction{
		ID:         newID(),
		WalletID:   w.ID,
		ExchangeID: ex.ID,
		NFTID:      ex.NFTID,
		Action:     model.WalletTxActionSettle,
		Status:     model.WalletTxStatusPending,
	}
	if err := s.wallets.CreateTransaction(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *SettlementService) endWithoutBids(ctx context.Context, ex *model.Exchange) error {
	var changed bool
	err := s.tx.Transaction(ctx, func(txCtx context.Context) error {
		var err error
		changed, err = casExchange(txCtx, s.exchanges, ex, model.TriggerNoBids, nil)
		if err != nil || !changed {
			return err
		}
		err = s.nfts.Update(txCtx, ex.NFTAddress, ex.NFTID, map[string]interface{}{
			"status": model.NFTStatusOwner,
		})
		if errors.Is(err, repository.ErrNFTNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		metrics.SettlementsTotal.WithLabelValues("no_bids").Inc()
		s.logger.Info("auction ended without bids", zap.String("exchange_id", ex.ID))
	}
	return nil
}

// Finalize 根据 AuctionSettled 事件终结拍卖，需在事务内调用
// ex 为 HANDLING_AUCTION 状态的挂单
func (s *SettlementService) Finalize(ctx context.Context, ex *model.Exchange, ev *model.RawChainEvent) (bool, error) {
	bids, err := s.orders.ListByExchange(ctx, ex.ID, model.OrderTypeBid,
		model.OrderStatusPendingTransaction, model.OrderStatusWaitingSettle)
	if err != nil {
		return false, err
	}

	var waiting []*model.Order
	var pending []*model.Order
	for _, b := range bids {
		if b.Status == model.OrderStatusWaitingSettle {
			waiting = append(waiting, b)
		} else {
			pending = append(pending, b)
		}
	}

	ranking := Rank(waiting, s.cfg.TieBreak)
	if ranking.Winner == nil {
		changed, err := casExchange(ctx, s.exchanges, ex, model.TriggerAuctionSettled, nil)
		if err != nil || !changed {
			return false, err
		}
		if err := s.cancelBids(ctx, pending); err != nil {
			return false, err
		}
		metrics.SettlementsTotal.WithLabelValues("no_bids").Inc()
		return true, nil
	}

	winner := ranking.Winner
	changed, err := casExchange(ctx, s.exchanges, ex, model.TriggerAuctionSettled, map[string]interface{}{
		"buyer_id": winner.UserID,
	})
	if err != nil || !changed {
		return false, err
	}

	if _, err := casOrder(ctx, s.orders, winner, model.TriggerWon); err != nil {
		return false, err
	}
	for _, o := range ranking.Losers {
		if _, err := casOrder(ctx, s.orders, o, model.TriggerLost); err != nil {
			return false, err
		}
	}
	if err := s.cancelBids(ctx, pending); err != nil {
		return false, err
	}

	sellerWallet, err := s.directory.WalletOf(ctx, ex.SellerID)
	if err != nil {
		return false, err
	}
	err = s.wallets.CreateTransaction(ctx, &model.WalletTransaction{
		ID:         newID(),
		WalletID:   sellerWallet.ID,
		ExchangeID: ex.ID,
		NFTID:      ex.NFTID,
		Action:     model.WalletTxActionSellAuction,
		Amount:     winner.Price,
		TxHash:     ev.TxHash,
		Status:     model.WalletTxStatusSuccess,
	})
	if err != nil {
		return false, err
	}

	winnerAddress, err := s.directory.WalletAddressOf(ctx, winner.UserID)
	if err != nil {
		return false, err
	}
	err = s.nfts.Update(ctx, ex.NFTAddress, ex.NFTID, map[string]interface{}{
		"owner":          winnerAddress,
		"owner_id":       winner.UserID,
		"price":          winner.Price,
		"status":         model.NFTStatusOwner,
		"date_purchased": ev.BlockTimeMs(),
	})
	if err != nil && !errors.Is(err, repository.ErrNFTNotFound) {
		return false, err
	}

	metrics.SettlementsTotal.WithLabelValues("won").Inc()
	s.logger.Info("auction settled",
		zap.String("exchange_id", ex.ID),
		zap.String("winner_id", winner.UserID),
		zap.String("price", winner.Price.String()),
		zap.Int("losers", len(ranking.Losers)))
	return true, nil
}

// cancelBids 拍卖结束时仍未上链的出价
func (s *SettlementService) cancelBids(ctx context.Context, orders []*model.Order) error {
	for _, o := range orders {
		if _, err := casOrder(ctx, s.orders, o, model.TriggerCanceled); err != nil {
			return err
		}
	}
	return nil
}

// RetrySettlement 重新投递卡在 HANDLING_AUCTION 的结算
func (s *SettlementService) RetrySettlement(ctx context.Context, exchangeID string) error {
	ex, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		if errors.Is(err, repository.ErrExchangeNotFound) {
			return apperrors.ErrExchangeNotFound.WithDetail("exchange_id", exchangeID)
		}
		return err
	}
	if ex.Status != model.ExchangeStatusHandlingAuction {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("exchange %s is %s", ex.ID, ex.Status))
	}

	q := string(model.TxActionSettleAuction)
	state, err := s.jobs.State(ctx, q, ex.ID)
	if err != nil {
		return err
	}
	if state == queue.JobStatePending {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("settlement %s still in flight", ex.ID))
	}
	if _, err := s.jobs.Reset(ctx, q, ex.ID); err != nil {
		return err
	}
	if err := s.enqueueSettle(ctx, ex); err != nil {
		return err
	}
	s.logger.Info("settlement re-enqueued",
		zap.String("exchange_id", ex.ID),
		zap.String("previous_state", string(state)))
	return nil
}
