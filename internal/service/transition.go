package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
)

// casExchange 按迁移表迁移挂单状态，迁移不存在或前置状态已变化时返回 false
func casExchange(ctx context.Context, repo repository.ExchangeRepository, ex *model.Exchange, trigger model.Trigger, fields map[string]interface{}) (bool, error) {
	to, ok := model.NextExchangeStatus(ex.Type, ex.Status, trigger)
	if !ok {
		return false, nil
	}
	changed, err := repo.CompareAndSetStatus(ctx, ex.ID, ex.Status, to, fields)
	if err != nil {
		return false, err
	}
	if changed {
		ex.Status = to
	}
	return changed, nil
}

// casOrder 按迁移表迁移订单状态
func casOrder(ctx context.Context, repo repository.OrderRepository, order *model.Order, trigger model.Trigger) (bool, error) {
	to, ok := model.NextOrderStatus(order.Type, order.Status, trigger)
	if !ok {
		return false, nil
	}
	changed, err := repo.CompareAndSetStatus(ctx, order.ID, order.Status, to)
	if err != nil {
		return false, err
	}
	if changed {
		order.Status = to
	}
	return changed, nil
}

func newID() string {
	return uuid.NewString()
}
