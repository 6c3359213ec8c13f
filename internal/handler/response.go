// Package handler 提供运维 HTTP 接口
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
)

// Response 统一响应
type Response struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    interface{}       `json:"data,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: "OK", Message: "success", Data: data})
}

// Error 按错误类别返回响应，非业务错误统一为内部错误
func Error(c *gin.Context, err error) {
	bizErr := apperrors.FromError(err)
	if bizErr.HTTPStatus() >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	msg := bizErr.Message
	if apperrors.KindOf(bizErr) == apperrors.KindInternal {
		msg = apperrors.ErrInternal.Message
	}
	c.JSON(bizErr.HTTPStatus(), &Response{
		Code:    bizErr.Code,
		Message: msg,
		Details: bizErr.Details,
	})
}
