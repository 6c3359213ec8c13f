package handler

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// NewRouter 注册运维路由
func NewRouter(h *OpsHandler) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), Logger(), Metrics())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/cursors", h.ListCursors)
		v1.GET("/exchanges", h.ListExchanges)
		v1.GET("/exchanges/:id", h.GetExchange)
		v1.GET("/nfts", h.ListNFTs)
		v1.POST("/settlements/:id/retry", h.RetrySettlement)
	}
	return r
}

// Recovery panic 恢复
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.ByteString("stack", debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, &Response{
					Code:    apperrors.ErrInternal.Code,
					Message: apperrors.ErrInternal.Message,
				})
			}
		}()
		c.Next()
	}
}

// Logger 请求日志，按状态码选择级别
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

// Metrics 请求指标，路径取路由模板
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
