package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-nft/internal/blockchain"
	"github.com/eidos-exchange/eidos-nft/internal/contract"
	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/queue"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	"github.com/eidos-exchange/eidos-nft/internal/wallet"
)

var (
	marketAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	nftAddr    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	usdcAddr   = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")

	sellerAddr = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	aliceAddr  = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
	bobAddr    = "0x90f79bf6eb2c4f870365e785982e1f101e93b906"
)

var testDBCounter int64

// testEnv 真实仓储 + 内存 SQLite
type testEnv struct {
	db        *gorm.DB
	repo      *repository.Repository
	cursors   repository.CursorRepository
	exchanges repository.ExchangeRepository
	orders    repository.OrderRepository
	nfts      repository.NFTRepository
	wallets   repository.WalletRepository
	directory *wallet.Directory
}

func setupTestEnv(t *testing.T) *testEnv {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:servicedb%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.BlockCursor{},
		&model.Exchange{},
		&model.Order{},
		&model.NFT{},
		&model.Wallet{},
		&model.WalletTransaction{},
	))

	wallets := repository.NewWalletRepository(db)
	env := &testEnv{
		db:        db,
		repo:      repository.NewRepository(db),
		cursors:   repository.NewCursorRepository(db),
		exchanges: repository.NewExchangeRepository(db),
		orders:    repository.NewOrderRepository(db),
		nfts:      repository.NewNFTRepository(db),
		wallets:   wallets,
		directory: wallet.NewDirectory(wallets),
	}
	for id, addr := range map[string]string{"seller": sellerAddr, "alice": aliceAddr, "bob": bobAddr} {
		require.NoError(t, wallets.Create(context.Background(), &model.Wallet{
			ID: "wallet-" + id, OwnerID: id, Address: addr,
		}))
	}
	return env
}

// seedExchange 直接写入挂单
func (e *testEnv) seedExchange(t *testing.T, ex *model.Exchange) *model.Exchange {
	if ex.ID == "" {
		ex.ID = newID()
	}
	if ex.NFTAddress == "" {
		ex.NFTAddress = strings.ToLower(nftAddr.Hex())
	}
	if ex.ERC20Address == "" {
		ex.ERC20Address = strings.ToLower(usdcAddr.Hex())
	}
	if ex.SellerID == "" {
		ex.SellerID = "seller"
	}
	require.NoError(t, e.exchanges.Create(context.Background(), ex))
	return ex
}

// seedBid 直接写入出价，createdAt 决定出价顺序
func (e *testEnv) seedBid(t *testing.T, ex *model.Exchange, userID string, price int64, status model.OrderStatus, createdAt int64) *model.Order {
	o := &model.Order{
		ID:           newID(),
		ExchangeID:   ex.ID,
		Type:         model.OrderTypeBid,
		UserID:       userID,
		NFTID:        ex.NFTID,
		NFTAddress:   ex.NFTAddress,
		ERC20Address: ex.ERC20Address,
		Price:        decimal.NewFromInt(price),
		Status:       status,
	}
	require.NoError(t, e.orders.Create(context.Background(), o))
	require.NoError(t, e.db.Model(&model.Order{}).Where("id = ?", o.ID).Update("created_at", createdAt).Error)
	o.CreatedAt = createdAt
	return o
}

func (e *testEnv) exchange(t *testing.T, id string) *model.Exchange {
	ex, err := e.exchanges.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ex
}

func (e *testEnv) order(t *testing.T, id string) *model.Order {
	o, err := e.orders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

// MockEnqueuer 任务投递 mock
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, q, key string, payload interface{}, policy queue.RetryPolicy) (bool, error) {
	args := m.Called(ctx, q, key, payload, policy)
	return args.Bool(0), args.Error(1)
}

// MockChain 链访问 mock，合约只读调用按方法选择器返回固定结果
type MockChain struct {
	mock.Mock

	Owner    common.Address
	TokenURI string
	FeeBps   int64
}

func (m *MockChain) CurrentHeight(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockChain) PastEvents(ctx context.Context, decoder blockchain.LogDecoder, from, to uint64) ([]*model.RawChainEvent, error) {
	args := m.Called(ctx, decoder, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.RawChainEvent), args.Error(1)
}

func (m *MockChain) BlockTime(ctx context.Context, number uint64) (uint64, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

func (m *MockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockChain) SignTransaction(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	args := m.Called(tx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Transaction), args.Error(1)
}

func (m *MockChain) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(common.Hash), args.Error(1)
}

var (
	erc721ABI = mustABI(contract.ERC721ABI)
	marketABI = mustABI(contract.MarketplaceABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func (m *MockChain) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	selector := msg.Data[:4]
	switch {
	case matches(selector, erc721ABI.Methods["ownerOf"]):
		return erc721ABI.Methods["ownerOf"].Outputs.Pack(m.Owner)
	case matches(selector, erc721ABI.Methods["tokenURI"]):
		return erc721ABI.Methods["tokenURI"].Outputs.Pack(m.TokenURI)
	case matches(selector, marketABI.Methods["getMarketFeePercentage"]):
		return marketABI.Methods["getMarketFeePercentage"].Outputs.Pack(big.NewInt(m.FeeBps))
	default:
		return nil, fmt.Errorf("unexpected call %x", selector)
	}
}

func matches(selector []byte, method abi.Method) bool {
	return string(selector) == string(method.ID)
}

// MockCustodian 托管授权 mock
type MockCustodian struct {
	mock.Mock
}

func (m *MockCustodian) ApproveToken(ctx context.Context, walletAddress, spender string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, walletAddress, spender, amount)
	return args.String(0), args.Error(1)
}

func (m *MockCustodian) ApproveNFT(ctx context.Context, walletAddress, spender, tokenID string) (string, error) {
	args := m.Called(ctx, walletAddress, spender, tokenID)
	return args.String(0), args.Error(1)
}

// MockNonces nonce 分配 mock
type MockNonces struct {
	mock.Mock
}

func (m *MockNonces) AcquireNonce(ctx context.Context, addr common.Address) (uint64, error) {
	args := m.Called(ctx, addr)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockNonces) ConfirmNonce(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.Called(ctx, addr, nonce, txHash).Error(0)
}

func (m *MockNonces) ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return m.Called(ctx, addr, nonce).Error(0)
}

func (m *MockNonces) OnTxMined(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.Called(ctx, addr, nonce, txHash).Error(0)
}

func (m *MockNonces) HandleNonceTooLow(ctx context.Context, addr common.Address) error {
	return m.Called(ctx, addr).Error(0)
}

// MockSubmitter 链上提交 mock
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, job *model.TxJob, final bool) error {
	return m.Called(ctx, job, final).Error(0)
}
