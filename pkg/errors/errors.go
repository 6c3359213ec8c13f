// Package errors 业务错误与错误分类
//
// 错误按 Kind 分为校验、冲突、瞬时、卡死、未找到、内部六类：
// 校验与冲突错误同步拒绝且不重试；瞬时错误由队列按固定退避重试，
// 重试耗尽后以卡死 (StuckJob) 上报。
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误分类
type Kind int8

const (
	KindInternal   Kind = iota // 内部错误
	KindValidation             // 用户输入不合法
	KindConflict               // 状态冲突 (重复挂单/非持有者/过期出价)
	KindTransient              // 链上瞬时错误，可重试
	KindStuck                  // 重试耗尽，需要人工介入
	KindNotFound               // 资源不存在
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindStuck:
		return "stuck"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error 业务错误
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Kind    Kind              `json:"-"`
	Cause   error             `json:"-"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:    e.Code,
		Message: e.Message,
		Kind:    e.Kind,
		Cause:   e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// GRPCCode 对应的 gRPC 状态码
func (e *Error) GRPCCode() codes.Code {
	switch e.Kind {
	case KindValidation:
		return codes.InvalidArgument
	case KindConflict:
		return codes.AlreadyExists
	case KindTransient:
		return codes.Unavailable
	case KindStuck:
		return codes.DeadlineExceeded
	case KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// HTTPStatus 对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindStuck:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Kind  string `json:"kind"`
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Kind:  e.Kind.String(),
		Error: e.Error(),
	})
}

// New 创建新错误
func New(kind Kind, code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kind}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// Transient 把链上/RPC 错误包装为可重试错误
func Transient(cause error, format string, args ...interface{}) *Error {
	return Wrapf(ErrTransientChain, cause, format, args...)
}

// Stuck 把错误包装为卡死错误
func Stuck(cause error, format string, args ...interface{}) *Error {
	return Wrapf(ErrStuckJob, cause, format, args...)
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 通用错误
var (
	ErrInternal       = New(KindInternal, "INTERNAL_ERROR", "内部错误")
	ErrInvalidRequest = New(KindValidation, "INVALID_REQUEST", "请求参数无效")
	ErrNotFound       = New(KindNotFound, "NOT_FOUND", "资源不存在")
	ErrConflict       = New(KindConflict, "CONFLICT", "资源冲突")
	ErrTransientChain = New(KindTransient, "TRANSIENT_CHAIN_ERROR", "链上调用暂时失败")
	ErrStuckJob       = New(KindStuck, "STUCK_JOB", "任务重试耗尽，需要人工处理")
)

// 市场业务错误
var (
	ErrInvalidPrice         = New(KindValidation, "INVALID_PRICE", "价格无效")
	ErrInvalidAuctionWindow = New(KindValidation, "INVALID_AUCTION_WINDOW", "拍卖时间窗口无效")
	ErrInvalidBidAmount     = New(KindValidation, "INVALID_BID_AMOUNT", "出价无效")

	ErrNotOwner          = New(KindConflict, "NOT_OWNER", "调用者不是 NFT 链上持有者")
	ErrDuplicateListing  = New(KindConflict, "DUPLICATE_LISTING", "该 NFT 已存在进行中的挂单")
	ErrExchangeNotOpen   = New(KindConflict, "EXCHANGE_NOT_OPEN", "挂单未开放")
	ErrWrongExchangeType = New(KindConflict, "WRONG_EXCHANGE_TYPE", "挂单类型不匹配")
	ErrSelfPurchase      = New(KindConflict, "SELF_PURCHASE", "不能购买自己的挂单")
	ErrSelfBid           = New(KindConflict, "SELF_BID", "不能对自己的拍卖出价")
	ErrAlreadyHighest    = New(KindConflict, "ALREADY_HIGHEST_BIDDER", "已是当前最高出价者")
	ErrBidTooLow         = New(KindConflict, "BID_TOO_LOW", "出价低于当前最高价")
	ErrAuctionNotActive  = New(KindConflict, "AUCTION_NOT_ACTIVE", "不在拍卖时间窗口内")
	ErrWalletNotFound    = New(KindNotFound, "WALLET_NOT_FOUND", "用户钱包不存在")
	ErrExchangeNotFound  = New(KindNotFound, "EXCHANGE_NOT_FOUND", "挂单不存在")
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode(), bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// KindOf 获取错误分类，非业务错误视为内部错误
func KindOf(err error) Kind {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	return KindInternal
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsValidation 是否为校验错误
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsConflict 是否为冲突错误
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// IsStuck 是否为卡死错误
func IsStuck(err error) bool {
	return err != nil && KindOf(err) == KindStuck
}

// IsRetryable 是否可由队列重试
// 卡死错误不重试：回执超时后重新广播可能重复上链
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindNotFound, KindStuck:
		return false
	default:
		return true
	}
}
