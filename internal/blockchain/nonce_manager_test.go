package blockchain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNonceSource 模拟链上 nonce
type mockNonceSource struct {
	mu    sync.RWMutex
	nonce uint64
	calls int
}

func (m *mockNonceSource) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.nonce, nil
}

func (m *mockNonceSource) set(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

var testWallet = common.HexToAddress("0x1234567890123456789012345678901234567890")

func setupTestNonceManager(t *testing.T, initial uint64) (*NonceManager, *miniredis.Miniredis, *mockNonceSource) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	src := &mockNonceSource{nonce: initial}
	nm := NewNonceManager(src, rdb, &NonceManagerConfig{
		ChainID:     31337,
		LockTimeout: 5 * time.Second,
		LockWait:    2 * time.Second,
	})
	return nm, mr, src
}

func TestNonceManager_Keys(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	assert.Equal(t, "eidos:nft:nonce:0x1234567890123456789012345678901234567890:31337", nm.nonceKey(testWallet))
	assert.Equal(t, "eidos:nft:nonce:lock:0x1234567890123456789012345678901234567890:31337", nm.lockKey(testWallet))
}

func TestNonceManager_AcquireSequential(t *testing.T) {
	nm, _, src := setupTestNonceManager(t, 7)
	ctx := context.Background()

	for want := uint64(7); want < 10; want++ {
		n, err := nm.AcquireNonce(ctx, testWallet)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	// 只在首次分配时同步
	assert.Equal(t, 1, src.calls)
}

func TestNonceManager_AcquireConcurrent(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	const n = 20
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := nm.AcquireNonce(ctx, testWallet)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}

func TestNonceManager_PerSignerCounters(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 3)
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	a, err := nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	b, err := nm.AcquireNonce(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), a)
	assert.Equal(t, uint64(3), b)
}

func TestNonceManager_Release(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	n0, err := nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	require.NoError(t, nm.ReleaseNonce(ctx, testWallet, n0))

	again, err := nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, n0, again)

	_, err = nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	// 已有更高的 nonce 被分配，无法回退
	assert.ErrorIs(t, nm.ReleaseNonce(ctx, testWallet, again), ErrNonceNotAcquired)
}

func TestNonceManager_ConfirmAndMined(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	require.NoError(t, nm.ConfirmNonce(ctx, testWallet, 0, "0xaa"))
	require.NoError(t, nm.ConfirmNonce(ctx, testWallet, 1, "0xbb"))
	count, err := nm.PendingCount(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, nm.OnTxMined(ctx, testWallet, 0, "0xaa"))
	count, err = nm.PendingCount(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNonceManager_HandleNonceTooLow(t *testing.T) {
	nm, _, src := setupTestNonceManager(t, 0)
	ctx := context.Background()

	_, err := nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	require.NoError(t, nm.ConfirmNonce(ctx, testWallet, 0, "0xaa"))

	src.set(12)
	require.NoError(t, nm.HandleNonceTooLow(ctx, testWallet))

	n, err := nm.AcquireNonce(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)

	count, err := nm.PendingCount(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestNonceManager_LockHeld(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	nm.lockWait = 100 * time.Millisecond

	require.NoError(t, mr.Set(nm.lockKey(testWallet), "someone-else"))

	_, err := nm.AcquireNonce(context.Background(), testWallet)
	assert.ErrorIs(t, err, ErrNonceLockFailed)
}
