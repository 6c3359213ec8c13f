package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-nft/internal/model"
	"github.com/eidos-exchange/eidos-nft/internal/repository"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
)

// CursorLister 游标查询
type CursorLister interface {
	List(ctx context.Context) ([]*model.BlockCursor, error)
}

// ExchangeQuery 挂单查询
type ExchangeQuery interface {
	GetExchange(ctx context.Context, id string) (*model.Exchange, error)
	ListOrders(ctx context.Context, exchangeID string, typ model.OrderType) ([]*model.Order, error)
	ListExchanges(ctx context.Context, status *model.ExchangeStatus, page *repository.Pagination) ([]*model.Exchange, error)
}

// NFTLister NFT 持有查询
type NFTLister interface {
	ListByOwner(ctx context.Context, owner string) ([]*model.NFT, error)
}

// SettlementRetrier 人工重试结算
type SettlementRetrier interface {
	RetrySettlement(ctx context.Context, exchangeID string) error
}

// HealthCheck 依赖探测，名称用于响应中的 checks 字段
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsHandler 运维接口
type OpsHandler struct {
	cursors     CursorLister
	exchanges   ExchangeQuery
	nfts        NFTLister
	settlements SettlementRetrier
	checks      []HealthCheck
}

// NewOpsHandler 创建运维处理器
func NewOpsHandler(cursors CursorLister, exchanges ExchangeQuery, nfts NFTLister, settlements SettlementRetrier, checks ...HealthCheck) *OpsHandler {
	return &OpsHandler{
		cursors:     cursors,
		exchanges:   exchanges,
		nfts:        nfts,
		settlements: settlements,
		checks:      checks,
	}
}

// Health 依赖健康检查
// GET /healthz
func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allOK := true
	for _, hc := range h.checks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			allOK = false
			continue
		}
		checks[hc.Name] = "ok"
	}

	if !allOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// ListCursors 各扫描流的游标
// GET /v1/cursors
func (h *OpsHandler) ListCursors(c *gin.Context) {
	cursors, err := h.cursors.List(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, cursors)
}

// ListExchanges 分页查询挂单
// GET /v1/exchanges?status=1&page=1&page_size=20
func (h *OpsHandler) ListExchanges(c *gin.Context) {
	var status *model.ExchangeStatus
	if raw := c.Query("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < int(model.ExchangeStatusPendingTransaction) || v > int(model.ExchangeStatusEnded) {
			Error(c, apperrors.ErrInvalidRequest.WithMessagef("invalid status %q", raw))
			return
		}
		st := model.ExchangeStatus(v)
		status = &st
	}
	page := &repository.Pagination{
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "page_size"),
	}

	exchanges, err := h.exchanges.ListExchanges(c.Request.Context(), status, page)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"items": exchanges, "pagination": page})
}

// ListNFTs 查询地址持有的 NFT
// GET /v1/nfts?owner=0x...
func (h *OpsHandler) ListNFTs(c *gin.Context) {
	owner := strings.TrimSpace(c.Query("owner"))
	if owner == "" {
		Error(c, apperrors.ErrInvalidRequest.WithMessagef("owner is required"))
		return
	}
	nfts, err := h.nfts.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, nfts)
}

func queryInt(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.Query(key))
	return v
}

// ExchangeView 挂单及其订单
type ExchangeView struct {
	*model.Exchange
	StatusName string         `json:"status_name"`
	Orders     []*model.Order `json:"orders"`
}

// GetExchange 查询挂单，拍卖附带出价，一口价附带购买订单
// GET /v1/exchanges/:id
func (h *OpsHandler) GetExchange(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ex, err := h.exchanges.GetExchange(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}

	typ := model.OrderTypeBuy
	if ex.Type == model.ExchangeTypeAuction {
		typ = model.OrderTypeBid
	}
	orders, err := h.exchanges.ListOrders(c.Request.Context(), ex.ID, typ)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, &ExchangeView{Exchange: ex, StatusName: ex.Status.String(), Orders: orders})
}

// RetrySettlement 重置卡住的结算任务并重新投递
// POST /v1/settlements/:id/retry
func (h *OpsHandler) RetrySettlement(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, apperrors.ErrInvalidRequest.WithMessagef("exchange id is required"))
		return
	}
	if err := h.settlements.RetrySettlement(c.Request.Context(), id); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &Response{Code: "OK", Message: "settlement re-enqueued", Data: gin.H{"exchange_id": id}})
}
