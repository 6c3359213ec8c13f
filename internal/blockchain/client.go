package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

var (
	ErrNoHealthyRPC      = errors.New("no healthy RPC endpoint available")
	ErrInsufficientFunds = errors.New("insufficient funds for gas")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrTxFailed          = errors.New("transaction failed")
	ErrBlockNotFound     = errors.New("block not found")
)

// LogDecoder 把原始日志解码为合约事件
// 不认识的日志返回 nil, nil
type LogDecoder interface {
	Address() common.Address
	DecodeLog(log types.Log) (*model.RawChainEvent, error)
}

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链读取客户端，多 RPC 端点故障切换
type Client struct {
	chainID int64

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{URL: url, IsHealthy: true}
	}

	c := &Client{
		chainID:         cfg.ChainID,
		endpoints:       endpoints,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		healthCheckFreq: cfg.HealthCheckFreq,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryInterval <= 0 {
		c.retryInterval = time.Second
	}
	if c.healthCheckFreq <= 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect 连接到下一个可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			c.markUnhealthyLocked(ep)
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			c.markUnhealthyLocked(ep)
			continue
		}
		if c.chainID != 0 && chainID.Int64() != c.chainID {
			logger.Warn("rpc endpoint chain id mismatch",
				zap.String("url", ep.URL),
				zap.Int64("expected", c.chainID),
				zap.Int64("actual", chainID.Int64()))
			client.Close()
			c.markUnhealthyLocked(ep)
			continue
		}

		if c.client != nil {
			c.client.Close()
		}
		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) markUnhealthyLocked(ep *RPCEndpoint) {
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
}

// getClient 获取客户端，不可用时重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry 带重试的操作，失败时切换端点
// 永久性错误 (nonce/余额不足/未找到) 直接返回
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
		} else {
			err = fn(client)
			if err == nil {
				return nil
			}
			lastErr = err
			if isPermanent(err) || ctx.Err() != nil {
				return err
			}

			c.mu.Lock()
			if c.currentIdx < len(c.endpoints) {
				c.markUnhealthyLocked(c.endpoints[c.currentIdx])
			}
			if c.client != nil {
				c.client.Close()
				c.client = nil
			}
			c.currentIdx = (c.currentIdx + 1) % len(c.endpoints)
			c.mu.Unlock()
		}

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

func isPermanent(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrNonceTooLow) || errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "execution reverted")
}

// classifySendError 把节点返回的字符串错误映射为哨兵错误
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return errors.Join(ErrNonceTooLow, err)
	case strings.Contains(msg, "insufficient funds"):
		return errors.Join(ErrInsufficientFunds, err)
	default:
		return err
	}
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// CurrentHeight 获取最新区块号
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		height, err = client.BlockNumber(ctx)
		return err
	})
	return height, err
}

// BlockTime 获取区块时间 (unix 秒)
func (c *Client) BlockTime(ctx context.Context, number uint64) (uint64, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return 0, ErrBlockNotFound
	}
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

// PastEvents 读取合约在 [from, to] 的全部事件，按 (区块, 日志序号) 排序
func (c *Client) PastEvents(ctx context.Context, decoder LogDecoder, from, to uint64) ([]*model.RawChainEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{decoder.Address()},
	}

	var logs []types.Log
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	return DecodeLogs(decoder, logs)
}

// DecodeLogs 解码日志，跳过已回滚和未知的日志
func DecodeLogs(decoder LogDecoder, logs []types.Log) ([]*model.RawChainEvent, error) {
	events := make([]*model.RawChainEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := decoder.DecodeLog(lg)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// TransactionReceipt 获取交易回执，未上链返回 nil, nil
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// CallContract 只读调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, nil)
		return err
	})
	return result, err
}

// SendTransaction 广播已签名交易，返回交易哈希
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		return common.Hash{}, classifySendError(err)
	}
	return tx.Hash(), nil
}

// SignTransaction 用指定私钥签名交易
func (c *Client) SignTransaction(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	if key == nil {
		return nil, errors.New("private key not configured")
	}
	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, key)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.CurrentHeight(ctx)
	return err
}

// Endpoints 返回端点状态快照
func (c *Client) Endpoints() []RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]RPCEndpoint, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = *ep
	}
	return out
}
