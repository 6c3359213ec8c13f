// Package app 提供 eidos-nft 服务的应用生命周期管理
//
// ========================================
// eidos-nft 服务对接说明
// ========================================
//
// ## 服务职责
// eidos-nft 是 NFT 市场的链上后端:
// 1. 区块扫描 (Crawler): 按窗口推进游标，把区块区间投递到 Kafka
// 2. 事件归约 (Reducer): 解码市场/NFT 合约事件，幂等地更新挂单、订单、NFT 和钱包流水
// 3. 交易提交 (Tx): 授权后用轮询签名账户发送市场合约调用
// 4. 拍卖结算 (Settlement): 定时扫描到期拍卖，提交 settleAuction
//
// ## Kafka Topic (前缀 kafka.topic_prefix)
// - {prefix}.exchange / {prefix}.nft: 区块区间任务
// - {prefix}.create_sell / create_auction / buy / bid: 链上提交任务
// - {prefix}.settle_auction: 结算任务
// - {topic}.dead: 重试耗尽的任务
//
// ## 端口
// - gRPC health: service.grpc_port
// - 运维 HTTP: service.http_port (/healthz, /metrics, /v1/...)
//
// ## 数据库
// - 数据库名: eidos_nft
// - 迁移文件: migrations/
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-nft/internal/alert"
	"github.com/eidos-exchange/eidos-nft/internal/blockchain"
	"github.com/eidos-exchange/eidos-nft/internal/config"
	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/handler"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	"github.com/eidos-exchange/eidos-nft/internal/service"
	"github.com/eidos-exchange/eidos-nft/internal/wallet"
	"github.com/eidos-exchange/eidos-nft/migrations"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
	"github.com/eidos-exchange/eidos-nft/pkg/migrate"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db       *gorm.DB
	redis    *redis.Client
	migrator *migrate.Migrator

	// 区块链
	chain        *blockchain.Client
	signers      *blockchain.SignerPool
	nonceManager *blockchain.NonceManager
	marketplace  *contract.Marketplace
	erc721       *contract.ERC721
	erc20        *contract.ERC20

	// 仓储
	baseRepo     *repository.Repository
	cursorRepo   repository.CursorRepository
	exchangeRepo repository.ExchangeRepository
	orderRepo    repository.OrderRepository
	nftRepo      repository.NFTRepository
	walletRepo   repository.WalletRepository

	// 队列
	producer  sarama.SyncProducer
	registry  *queue.Registry
	queue     *queue.Queue
	consumers []*queue.Consumer
	alerter   alert.Alerter

	// 服务
	exchangeSvc   *service.ExchangeService
	txSvc         *service.TxService
	settlementSvc *service.SettlementService
	reducerSvc    *service.ReducerService
	crawlers      []*service.CrawlerService

	// 对外
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	cancel context.CancelFunc
	done   chan struct{}
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initQueue(); err != nil {
		return nil, fmt.Errorf("failed to init queue: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initConsumers(); err != nil {
		return nil, fmt.Errorf("failed to init consumers: %w", err)
	}

	app.initServers()

	return app, nil
}

// initInfrastructure 初始化数据库和 Redis
func (a *App) initInfrastructure() error {
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	a.migrator = migrate.NewMigrator(sqlDB, strings.ReplaceAll(a.cfg.Service.Name, "-", "_"), logger.Named("migrate"))
	if err := a.migrator.AutoMigrate(migrations.FS, "."); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化链客户端、合约和签名账户
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain

	client, err := blockchain.NewClient(context.Background(), &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		RPCURLs:         bc.RPCURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chain = client

	signers, err := blockchain.NewSignerPool(bc.AdminKeys())
	if err != nil {
		return fmt.Errorf("failed to load admin signers: %w", err)
	}
	a.signers = signers

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		ChainID:      bc.ChainID,
		LockTimeout:  30 * time.Second,
		SyncInterval: 5 * time.Minute,
	})

	if a.marketplace, err = contract.NewMarketplace(common.HexToAddress(bc.MarketplaceAddress)); err != nil {
		return err
	}
	if a.erc721, err = contract.NewERC721(common.HexToAddress(bc.NFTAddress)); err != nil {
		return err
	}
	if a.erc20, err = contract.NewERC20(); err != nil {
		return err
	}
	if bc.ERC20Address != "" && bc.ERC20Decimals > 0 {
		a.erc20.SetDecimals(common.HexToAddress(bc.ERC20Address), uint8(bc.ERC20Decimals))
	}

	addrs := make([]string, 0, signers.Len())
	for _, addr := range signers.Addresses() {
		addrs = append(addrs, addr.Hex())
	}
	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("marketplace", bc.MarketplaceAddress),
		zap.String("nft", bc.NFTAddress),
		zap.Strings("signers", addrs))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.baseRepo = repository.NewRepository(a.db)
	a.cursorRepo = repository.NewCursorRepository(a.db)
	a.exchangeRepo = repository.NewExchangeRepository(a.db)
	a.orderRepo = repository.NewOrderRepository(a.db)
	a.nftRepo = repository.NewNFTRepository(a.db)
	a.walletRepo = repository.NewWalletRepository(a.db)

	logger.Info("repositories initialized")
}

// initQueue 初始化 Kafka 生产者、任务登记表和告警
func (a *App) initQueue() error {
	producer, err := queue.NewSyncProducer(&queue.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.producer = producer
	a.registry = queue.NewRegistry(a.redis, "", 0)
	a.queue = queue.New(producer, a.registry, a.cfg.Kafka.TopicPrefix)

	a.alerter = alert.NewAlerter(&alert.Config{
		Environment: a.cfg.Service.Env,
		ServiceName: a.cfg.Service.Name,
		WebhookURL:  a.cfg.Alert.WebhookURL,
		WebhookType: a.cfg.Alert.WebhookType,
		MinInterval: time.Duration(a.cfg.Alert.MinIntervalSec) * time.Second,
	})

	logger.Info("queue initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic_prefix", a.cfg.Kafka.TopicPrefix))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() error {
	directory := wallet.NewDirectory(a.walletRepo)
	custody := wallet.NewCustodyClient(&wallet.CustodyConfig{
		BaseURL: a.cfg.Custody.BaseURL,
		APIKey:  a.cfg.Custody.APIKey,
		Timeout: time.Duration(a.cfg.Custody.TimeoutSec) * time.Second,
	})

	var gasPrice *big.Int
	if a.cfg.Blockchain.GasPriceGwei > 0 {
		gasPrice = new(big.Int).Mul(big.NewInt(a.cfg.Blockchain.GasPriceGwei), big.NewInt(1_000_000_000))
	}
	a.txSvc = service.NewTxService(a.chain, a.nonceManager, a.signers, custody, a.walletRepo, a.marketplace, a.erc20,
		service.TxConfig{
			GasLimit:       a.cfg.Blockchain.GasLimit,
			GasPrice:       gasPrice,
			ReceiptPoll:    time.Duration(a.cfg.Tx.ReceiptPollMs) * time.Millisecond,
			ReceiptTimeout: time.Duration(a.cfg.Tx.ReceiptTimeoutSec) * time.Second,
		})

	tieBreak, err := service.ParseTieBreak(a.cfg.Settlement.TieBreak)
	if err != nil {
		return err
	}
	a.settlementSvc = service.NewSettlementService(a.baseRepo, a.exchangeRepo, a.orderRepo, a.nftRepo, a.walletRepo,
		directory, a.queue, a.registry, a.txSvc, a.redis,
		service.SettlementConfig{
			ScanCron:  a.cfg.Settlement.ScanCron,
			BatchSize: a.cfg.Settlement.BatchSize,
			TieBreak:  tieBreak,
			Retry: queue.RetryPolicy{
				Attempts: a.cfg.Settlement.JobAttempts,
				Backoff:  time.Duration(a.cfg.Settlement.JobBackoffMs) * time.Millisecond,
			},
		})

	a.exchangeSvc = service.NewExchangeService(a.chain, a.baseRepo, a.exchangeRepo, a.orderRepo, a.walletRepo,
		directory, a.queue, a.erc721,
		service.ExchangeConfig{
			ERC20Address: a.cfg.Blockchain.ERC20Address,
			Retry: queue.RetryPolicy{
				Attempts: a.cfg.Tx.JobAttempts,
				Backoff:  time.Duration(a.cfg.Tx.JobBackoffMs) * time.Millisecond,
			},
		})

	a.reducerSvc = service.NewReducerService(a.chain, a.baseRepo.Retrying(3), a.exchangeRepo, a.orderRepo, a.nftRepo,
		a.walletRepo, directory, a.settlementSvc, a.erc721,
		service.ReducerConfig{
			TimestampConcurrency: a.cfg.Reducer.TimestampConcurrency,
			ERC20Decimals:        a.cfg.Blockchain.ERC20Decimals,
		})

	a.crawlers = a.newCrawlers()

	logger.Info("services initialized", zap.String("tie_break", string(tieBreak)))
	return nil
}

// newCrawlers 市场合约和 NFT 合约各一条扫描流
func (a *App) newCrawlers() []*service.CrawlerService {
	cc := a.cfg.Crawler
	retry := queue.RetryPolicy{
		Attempts: cc.JobAttempts,
		Backoff:  time.Duration(cc.JobBackoffMs) * time.Millisecond,
	}
	streams := []service.CrawlerConfig{
		{
			Key:      cc.ExchangeKey,
			Contract: a.marketplace.Address().Hex(),
			Targets:  []service.CrawlTarget{{Queue: cc.ExchangeKey, FirstBlock: cc.ExchangeFirstBlock}},
		},
		{
			Key:      cc.NFTKey,
			Contract: a.erc721.Address().Hex(),
			Targets:  []service.CrawlTarget{{Queue: cc.NFTKey}},
		},
	}

	crawlers := make([]*service.CrawlerService, 0, len(streams))
	for _, sc := range streams {
		sc.FirstBlock = cc.FirstBlock
		sc.SafetyBlocks = a.cfg.Blockchain.SafetyBlocks
		sc.BlocksPerWindow = cc.BlocksPerWindow
		sc.PollInterval = time.Duration(cc.PollIntervalMs) * time.Millisecond
		sc.Retry = retry
		crawlers = append(crawlers, service.NewCrawlerService(a.chain, a.cursorRepo, a.queue, sc))
	}
	return crawlers
}

// initConsumers 每个队列一个消费组
func (a *App) initConsumers() error {
	rangeRetention := time.Duration(a.cfg.Crawler.CompletedRetentionH) * time.Hour
	txRetention := time.Duration(a.cfg.Tx.CompletedRetentionH) * time.Hour

	type binding struct {
		queue       string
		handler     queue.Handler
		concurrency int
		retention   time.Duration
	}
	bindings := []binding{
		{a.cfg.Crawler.ExchangeKey, a.reducerSvc.RangeHandler(a.cfg.Crawler.ExchangeKey, a.marketplace), a.cfg.Reducer.WorkerConcurrency, rangeRetention},
		{a.cfg.Crawler.NFTKey, a.reducerSvc.RangeHandler(a.cfg.Crawler.NFTKey, a.erc721), a.cfg.Reducer.WorkerConcurrency, rangeRetention},
		{string(model.TxActionSettleAuction), a.settlementSvc.SettleHandler(), a.cfg.Tx.WorkerConcurrency, txRetention},
	}
	for _, action := range model.AllTxActions {
		if action == model.TxActionSettleAuction {
			continue
		}
		bindings = append(bindings, binding{string(action), a.txSvc.Handler(), a.cfg.Tx.WorkerConcurrency, txRetention})
	}

	for _, b := range bindings {
		group, err := queue.NewConsumerGroup(a.cfg.Kafka.Brokers, a.cfg.Kafka.GroupID+"-"+b.queue, a.cfg.Kafka.ClientID)
		if err != nil {
			return fmt.Errorf("create consumer group for %s: %w", b.queue, err)
		}
		a.consumers = append(a.consumers, queue.NewConsumer(group, a.queue, b.handler, a.alerter, queue.ConsumerConfig{
			Queue:       b.queue,
			Concurrency: b.concurrency,
			Retention:   b.retention,
		}))
	}

	logger.Info("consumers initialized", zap.Int("count", len(a.consumers)))
	return nil
}

// initServers 初始化 gRPC health 和运维 HTTP
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor()))
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	sqlDB, _ := a.db.DB()
	ops := handler.NewOpsHandler(a.cursorRepo, a.exchangeSvc, a.nftRepo, a.settlementSvc,
		handler.HealthCheck{Name: "postgres", Check: sqlDB.PingContext},
		handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }},
		handler.HealthCheck{Name: "chain", Check: a.chain.HealthCheck},
		handler.HealthCheck{Name: "schema", Check: a.checkSchema},
	)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           handler.NewRouter(ops),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// checkSchema 迁移中断会留下 dirty 版本
func (a *App) checkSchema(ctx context.Context) error {
	version, dirty, err := a.migrator.Version(migrations.FS, ".")
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	return nil
}

// recoveryInterceptor gRPC panic 恢复
func recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered", zap.Any("panic", r), zap.String("method", info.FullMethod))
				err = apperrors.ToGRPCError(apperrors.ErrInternal)
			}
		}()
		return next(ctx, req)
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	defer cancel()

	for _, c := range a.consumers {
		c.Start()
	}

	if err := a.settlementSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start settlement: %w", err)
	}

	crawlersDone := make(chan struct{})
	go func() {
		defer close(crawlersDone)
		a.runCrawlers(ctx)
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("grpc server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("ops http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	cancel()
	<-crawlersDone
	return a.shutdown()
}

// runCrawlers 每条扫描流一个 goroutine，ctx 取消后全部返回
func (a *App) runCrawlers(ctx context.Context) {
	done := make(chan struct{}, len(a.crawlers))
	for _, c := range a.crawlers {
		go func(c *service.CrawlerService) {
			defer func() { done <- struct{}{} }()
			if err := c.Run(ctx); err != nil {
				logger.Error("crawler stopped", zap.Error(err))
			}
		}(c)
	}
	for range a.crawlers {
		<-done
	}
}

// shutdown 关闭应用，先停入口再停依赖
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops http shutdown failed", zap.Error(err))
	}
	a.grpcServer.GracefulStop()

	a.settlementSvc.Stop()

	for _, c := range a.consumers {
		if err := c.Stop(); err != nil {
			logger.Warn("consumer stop failed", zap.Error(err))
		}
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			logger.Warn("producer close failed", zap.Error(err))
		}
	}

	if s, ok := a.alerter.(interface{ Stop() }); ok {
		s.Stop()
	}

	if a.chain != nil {
		a.chain.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
