package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// NonceSource 链上 nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// releaseScript 仅持有者可以释放锁
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// rollbackScript 只有最新分配的 nonce 才能回退
var rollbackScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if cur and tonumber(cur) == tonumber(ARGV[1]) + 1 then
		redis.call("SET", KEYS[1], ARGV[1])
		return 1
	end
	return 0
`)

// NonceManager 签名账户 Nonce 管理器
// 每个签名地址一个 Redis 计数器，分配时加分布式锁
type NonceManager struct {
	source      NonceSource
	redis       redis.UniversalClient
	chainID     int64
	lockTimeout time.Duration
	lockWait    time.Duration

	syncInterval time.Duration
	lastSync     *xsync.Map[common.Address, time.Time]
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	ChainID      int64
	LockTimeout  time.Duration
	LockWait     time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	m := &NonceManager{
		source:       source,
		redis:        rdb,
		chainID:      cfg.ChainID,
		lockTimeout:  cfg.LockTimeout,
		lockWait:     cfg.LockWait,
		syncInterval: cfg.SyncInterval,
		lastSync:     xsync.NewMap[common.Address, time.Time](),
	}
	if m.lockTimeout <= 0 {
		m.lockTimeout = 30 * time.Second
	}
	if m.lockWait <= 0 {
		m.lockWait = 5 * time.Second
	}
	if m.syncInterval <= 0 {
		m.syncInterval = 5 * time.Minute
	}
	return m
}

func (m *NonceManager) nonceKey(addr common.Address) string {
	return fmt.Sprintf("eidos:nft:nonce:%s:%d", strings.ToLower(addr.Hex()), m.chainID)
}

func (m *NonceManager) lockKey(addr common.Address) string {
	return fmt.Sprintf("eidos:nft:nonce:lock:%s:%d", strings.ToLower(addr.Hex()), m.chainID)
}

func (m *NonceManager) pendingKey(addr common.Address) string {
	return fmt.Sprintf("eidos:nft:nonce:pending:%s:%d", strings.ToLower(addr.Hex()), m.chainID)
}

// AcquireNonce 为签名地址分配下一个 nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := m.withLock(ctx, addr, func() error {
		if m.needsSync(addr) {
			if err := m.syncFromChain(ctx, addr); err != nil {
				return err
			}
		}

		current, err := m.currentNonce(ctx, addr)
		if err != nil {
			return err
		}
		if err := m.redis.Set(ctx, m.nonceKey(addr), current+1, 0).Err(); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	return nonce, err
}

// ConfirmNonce 记录 nonce 已用于广播的交易
func (m *NonceManager) ConfirmNonce(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.redis.ZAdd(ctx, m.pendingKey(addr), redis.Z{
		Score:  float64(nonce),
		Member: fmt.Sprintf("%d:%s", nonce, txHash),
	}).Err()
}

// ReleaseNonce 交易未广播时归还 nonce
// 若之后已分配更高的 nonce，则留下空洞，由下次链上同步修正
func (m *NonceManager) ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	rolled, err := rollbackScript.Run(ctx, m.redis, []string{m.nonceKey(addr)}, nonce).Int64()
	if err != nil {
		return err
	}
	if rolled == 0 {
		m.lastSync.Delete(addr)
		return ErrNonceNotAcquired
	}
	return nil
}

// OnTxMined 交易上链后移出待确认集合
func (m *NonceManager) OnTxMined(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.redis.ZRem(ctx, m.pendingKey(addr), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// PendingCount 待确认交易数量
func (m *NonceManager) PendingCount(ctx context.Context, addr common.Address) (int64, error) {
	return m.redis.ZCard(ctx, m.pendingKey(addr)).Result()
}

// SyncFromChain 从链上同步 nonce
func (m *NonceManager) SyncFromChain(ctx context.Context, addr common.Address) error {
	return m.withLock(ctx, addr, func() error {
		return m.syncFromChain(ctx, addr)
	})
}

// HandleNonceTooLow 节点拒绝 nonce 时重新同步
func (m *NonceManager) HandleNonceTooLow(ctx context.Context, addr common.Address) error {
	return m.SyncFromChain(ctx, addr)
}

// syncFromChain 需要已持有锁
func (m *NonceManager) syncFromChain(ctx context.Context, addr common.Address) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return err
	}

	if err := m.redis.Set(ctx, m.nonceKey(addr), chainNonce, 0).Err(); err != nil {
		return err
	}
	// 已打包的 nonce 不再待确认
	if chainNonce > 0 {
		if err := m.redis.ZRemRangeByScore(ctx, m.pendingKey(addr), "-inf", fmt.Sprintf("(%d", chainNonce)).Err(); err != nil {
			return err
		}
	}
	m.lastSync.Store(addr, time.Now())
	return nil
}

func (m *NonceManager) currentNonce(ctx context.Context, addr common.Address) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey(addr)).Uint64()
	if errors.Is(err, redis.Nil) {
		return m.source.PendingNonceAt(ctx, addr)
	}
	return val, err
}

func (m *NonceManager) needsSync(addr common.Address) bool {
	last, ok := m.lastSync.Load(addr)
	return !ok || time.Since(last) > m.syncInterval
}

// withLock 在签名地址锁内执行
func (m *NonceManager) withLock(ctx context.Context, addr common.Address, fn func() error) error {
	key := m.lockKey(addr)
	token := uuid.New().String()
	deadline := time.Now().Add(m.lockWait)

	for {
		ok, err := m.redis.SetNX(ctx, key, token, m.lockTimeout).Result()
		if err != nil {
			return fmt.Errorf("acquire nonce lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrNonceLockFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer releaseScript.Run(context.WithoutCancel(ctx), m.redis, []string{key}, token)

	return fn()
}
