package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
)

func newTestCrawler(env *testEnv, chain *MockChain, q *MockEnqueuer, cfg CrawlerConfig) *CrawlerService {
	if cfg.Key == "" {
		cfg.Key = "exchange"
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []CrawlTarget{{Queue: "exchange"}}
	}
	return NewCrawlerService(chain, env.cursors, q, cfg)
}

func seedCursor(t *testing.T, env *testEnv, key string, last, window uint64) {
	_, err := env.cursors.GetOrCreate(context.Background(), &model.BlockCursor{
		Key:                key,
		LastProcessedBlock: last,
		BlocksPerWindow:    window,
		PollIntervalMs:     2000,
	})
	require.NoError(t, err)
}

func rangeJob(from, to uint64) model.RangeJob {
	return model.RangeJob{Stream: "exchange", Contract: marketAddr.Hex(), FromBlock: from, ToBlock: to}
}

func TestCrawler_AdvanceWindows(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	policy := queue.RetryPolicy{Attempts: 5, Backoff: 5 * time.Second}
	chain.On("CurrentHeight", mock.Anything).Return(uint64(200), nil)
	q.On("Enqueue", mock.Anything, "exchange", "101_150", rangeJob(101, 150), policy).Return(true, nil).Once()
	q.On("Enqueue", mock.Anything, "exchange", "151_200", rangeJob(151, 200), policy).Return(true, nil).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{
		Contract:        marketAddr.Hex(),
		BlocksPerWindow: 50,
		Retry:           policy,
	})
	ctx := context.Background()

	advanced, err := crawler.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	cursor, err := env.cursors.Get(ctx, "exchange")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), cursor.LastProcessedBlock)

	advanced, err = crawler.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)

	// 已追上安全高度
	advanced, err = crawler.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, advanced)

	cursor, err = env.cursors.Get(ctx, "exchange")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cursor.LastProcessedBlock)
	q.AssertExpectations(t)
}

func TestCrawler_SafetyBlocks(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	chain.On("CurrentHeight", mock.Anything).Return(uint64(130), nil)
	q.On("Enqueue", mock.Anything, "exchange", "101_118", mock.Anything, mock.Anything).Return(true, nil).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{Contract: marketAddr.Hex(), SafetyBlocks: 12})
	advanced, err := crawler.Advance(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	q.AssertExpectations(t)
}

func TestCrawler_EnqueueFailureKeepsCursor(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	chain.On("CurrentHeight", mock.Anything).Return(uint64(200), nil)
	q.On("Enqueue", mock.Anything, "exchange", "101_150", mock.Anything, mock.Anything).
		Return(false, errors.New("broker down")).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{Contract: marketAddr.Hex()})
	advanced, err := crawler.Advance(context.Background())
	assert.Error(t, err)
	assert.False(t, advanced)

	cursor, err := env.cursors.Get(context.Background(), "exchange")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor.LastProcessedBlock)
}

func TestCrawler_DuplicateWindowStillAdvances(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	// 崩溃前已投递，键重复
	chain.On("CurrentHeight", mock.Anything).Return(uint64(200), nil)
	q.On("Enqueue", mock.Anything, "exchange", "101_150", mock.Anything, mock.Anything).Return(false, nil).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{Contract: marketAddr.Hex()})
	advanced, err := crawler.Advance(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
}

func TestCrawler_SeedsCursorFromHeight(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)

	chain.On("CurrentHeight", mock.Anything).Return(uint64(500), nil)
	q.On("Enqueue", mock.Anything, "exchange", "500_500", mock.Anything, mock.Anything).Return(true, nil).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{Contract: marketAddr.Hex(), BlocksPerWindow: 20})
	advanced, err := crawler.Advance(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	cursor, err := env.cursors.Get(context.Background(), "exchange")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), cursor.LastProcessedBlock)
	assert.Equal(t, uint64(20), cursor.BlocksPerWindow)
}

func TestCrawler_SkipsTargetsBeforeFirstBlock(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	chain.On("CurrentHeight", mock.Anything).Return(uint64(200), nil)
	q.On("Enqueue", mock.Anything, "exchange", "101_150", mock.Anything, mock.Anything).Return(true, nil).Once()

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{
		Contract: marketAddr.Hex(),
		Targets: []CrawlTarget{
			{Queue: "exchange"},
			{Queue: "exchange-archive", FirstBlock: 140},
		},
	})
	_, err := crawler.Advance(context.Background())
	require.NoError(t, err)
	q.AssertExpectations(t)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, "exchange-archive", mock.Anything, mock.Anything, mock.Anything)
}

func TestCrawler_RunStopsOnCancel(t *testing.T) {
	env := setupTestEnv(t)
	chain := new(MockChain)
	q := new(MockEnqueuer)
	seedCursor(t, env, "exchange", 100, 50)

	chain.On("CurrentHeight", mock.Anything).Return(uint64(100), nil)

	crawler := newTestCrawler(env, chain, q, CrawlerConfig{Contract: marketAddr.Hex(), PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- crawler.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.ErrorIs(t, crawler.Run(ctx), ErrCrawlerAlreadyRunning)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("crawler did not stop")
	}
}
