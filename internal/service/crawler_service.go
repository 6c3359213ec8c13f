// ========================================
// CrawlerService 区块区间扫描
// ========================================
//
// 每个扫描流 (市场合约 / NFT 合约) 一个游标，循环执行:
//   1. 安全高度 = 链高度 - safety_blocks
//   2. 游标已追上安全高度时等待 poll_interval
//   3. 否则取 [cursor+1, min(cursor+window, safe)]，按 ${from}_${to} 投递到下游队列
//   4. 投递成功后再前移游标
//
// 投递与前移之间崩溃只会造成重复投递，由任务键去重。
// 投递失败不前移游标，下一轮重试同一区间。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

var (
	ErrCrawlerAlreadyRunning = errors.New("crawler already running")
)

// CrawlTarget 扫描流的下游队列
type CrawlTarget struct {
	Queue      string
	FirstBlock uint64 // 区间起点早于该高度时不投递，0 表示不限制
}

// CrawlerConfig 扫描配置
type CrawlerConfig struct {
	Key             string // 游标键
	Contract        string // 合约地址，随任务下发
	Targets         []CrawlTarget
	FirstBlock      uint64 // 游标种子，0 表示链高度-1
	SafetyBlocks    uint64
	BlocksPerWindow uint64
	PollInterval    time.Duration
	Retry           queue.RetryPolicy
}

// CrawlerService 区块区间扫描服务
type CrawlerService struct {
	chain   HeightReader
	cursors repository.CursorRepository
	queue   queue.Enqueuer
	cfg     CrawlerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewCrawlerService 创建扫描服务
func NewCrawlerService(chain HeightReader, cursors repository.CursorRepository, q queue.Enqueuer, cfg CrawlerConfig) *CrawlerService {
	if cfg.BlocksPerWindow == 0 {
		cfg.BlocksPerWindow = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &CrawlerService{
		chain:   chain,
		cursors: cursors,
		queue:   q,
		cfg:     cfg,
		logger:  logger.Named("crawler").With(zap.String("key", cfg.Key)),
	}
}

// Run 循环扫描直到 ctx 取消
func (s *CrawlerService) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrCrawlerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("crawler started",
		zap.Uint64("blocks_per_window", s.cfg.BlocksPerWindow),
		zap.Uint64("safety_blocks", s.cfg.SafetyBlocks))

	for {
		if _, err := s.Advance(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("crawler iteration failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("crawler stopped")
			return nil
		case <-time.After(s.pollInterval(ctx)):
		}
	}
}

func (s *CrawlerService) pollInterval(ctx context.Context) time.Duration {
	cursor, err := s.cursors.Get(ctx, s.cfg.Key)
	if err != nil || cursor.PollIntervalMs <= 0 {
		return s.cfg.PollInterval
	}
	return time.Duration(cursor.PollIntervalMs) * time.Millisecond
}

// Advance 执行一轮扫描，返回是否投递了新区间
func (s *CrawlerService) Advance(ctx context.Context) (bool, error) {
	height, err := s.chain.CurrentHeight(ctx)
	if err != nil {
		return false, fmt.Errorf("get chain height: %w", err)
	}

	cursor, err := s.loadCursor(ctx, height)
	if err != nil {
		return false, err
	}

	safe := model.SafeHeight(height, s.cfg.SafetyBlocks)
	metrics.CrawlerCursorBlock.WithLabelValues(s.cfg.Key).Set(float64(cursor.LastProcessedBlock))
	if safe > cursor.LastProcessedBlock {
		metrics.CrawlerLagBlocks.WithLabelValues(s.cfg.Key).Set(float64(safe - cursor.LastProcessedBlock))
	} else {
		metrics.CrawlerLagBlocks.WithLabelValues(s.cfg.Key).Set(0)
	}

	from, to, ok := cursor.NextWindow(safe)
	if !ok {
		s.logger.Debug("waiting for new blocks",
			zap.Uint64("cursor", cursor.LastProcessedBlock),
			zap.Uint64("safe_height", safe))
		return false, nil
	}

	job := model.RangeJob{
		Stream:    s.cfg.Key,
		Contract:  s.cfg.Contract,
		FromBlock: from,
		ToBlock:   to,
	}
	if err := s.enqueue(ctx, job); err != nil {
		return false, err
	}

	if err := s.cursors.Advance(ctx, s.cfg.Key, to); err != nil {
		if errors.Is(err, repository.ErrCursorNotAdvanced) {
			// 其他副本已前移
			s.logger.Warn("cursor already past window",
				zap.Uint64("from", from),
				zap.Uint64("to", to))
			return false, nil
		}
		return false, fmt.Errorf("advance cursor: %w", err)
	}

	metrics.CrawlerWindowsTotal.WithLabelValues(s.cfg.Key).Inc()
	metrics.CrawlerCursorBlock.WithLabelValues(s.cfg.Key).Set(float64(to))
	s.logger.Info("window enqueued",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("safe_height", safe))
	return true, nil
}

// loadCursor 读取游标，不存在时创建
func (s *CrawlerService) loadCursor(ctx context.Context, height uint64) (*model.BlockCursor, error) {
	cursor, err := s.cursors.Get(ctx, s.cfg.Key)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, repository.ErrCursorNotFound) {
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	seed := s.cfg.FirstBlock
	if seed == 0 && height > 0 {
		seed = height - 1
	}
	cursor, err = s.cursors.GetOrCreate(ctx, &model.BlockCursor{
		Key:                s.cfg.Key,
		LastProcessedBlock: seed,
		BlocksPerWindow:    s.cfg.BlocksPerWindow,
		PollIntervalMs:     s.cfg.PollInterval.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("create cursor: %w", err)
	}
	s.logger.Info("cursor created", zap.Uint64("block", cursor.LastProcessedBlock))
	return cursor, nil
}

// enqueue 投递到全部下游队列，任一失败即返回
func (s *CrawlerService) enqueue(ctx context.Context, job model.RangeJob) error {
	for _, target := range s.cfg.Targets {
		if target.FirstBlock > 0 && job.FromBlock < target.FirstBlock {
			s.logger.Debug("skip window before first relevant block",
				zap.String("queue", target.Queue),
				zap.Uint64("from", job.FromBlock),
				zap.Uint64("first_block", target.FirstBlock))
			continue
		}
		if _, err := s.queue.Enqueue(ctx, target.Queue, job.Key(), job, s.cfg.Retry); err != nil {
			return fmt.Errorf("enqueue %s %s: %w", target.Queue, job.Key(), err)
		}
	}
	return nil
}
