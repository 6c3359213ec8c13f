package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderRepository 订单仓储接口
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	// ListByExchange 按创建顺序列出挂单下的订单，statuses 为空时不过滤
	ListByExchange(ctx context.Context, exchangeID string, typ model.OrderType, statuses ...model.OrderStatus) ([]*model.Order, error)
	// FindHighestBid 非终态出价中价格最高者，同价取最早
	FindHighestBid(ctx context.Context, exchangeID string) (*model.Order, error)
	// FindOldest 查找用户在挂单上指定类型/状态的最早订单
	FindOldest(ctx context.Context, exchangeID, userID string, typ model.OrderType, status model.OrderStatus) (*model.Order, error)
	// CompareAndSetStatus 状态等于 from 时才更新为 to，返回是否更新
	CompareAndSetStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error)
}

type orderRepository struct {
	*Repository
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{
		Repository: NewRepository(db),
	}
}

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	now := time.Now().UnixMilli()
	order.CreatedAt = now
	order.UpdatedAt = now
	return r.DB(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	err := r.DB(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) ListByExchange(ctx context.Context, exchangeID string, typ model.OrderType, statuses ...model.OrderStatus) ([]*model.Order, error) {
	query := r.DB(ctx).Where("exchange_id = ? AND type = ?", exchangeID, typ)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var orders []*model.Order
	err := query.Order("created_at ASC, id ASC").Find(&orders).Error
	return orders, err
}

func (r *orderRepository) FindHighestBid(ctx context.Context, exchangeID string) (*model.Order, error) {
	var order model.Order
	err := r.DB(ctx).
		Where("exchange_id = ? AND type = ? AND status IN ?", exchangeID, model.OrderTypeBid,
			[]model.OrderStatus{model.OrderStatusPendingTransaction, model.OrderStatusWaitingSettle}).
		Order("price DESC, created_at ASC").
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) FindOldest(ctx context.Context, exchangeID, userID string, typ model.OrderType, status model.OrderStatus) (*model.Order, error) {
	var order model.Order
	err := r.DB(ctx).
		Where("exchange_id = ? AND user_id = ? AND type = ? AND status = ?", exchangeID, userID, typ, status).
		Order("created_at ASC, id ASC").
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) CompareAndSetStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
