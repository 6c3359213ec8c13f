package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// ErrCustodyRejected 托管服务拒绝请求 (4xx)，重试无意义
var ErrCustodyRejected = apperrors.New(apperrors.KindValidation, "CUSTODY_REJECTED", "托管服务拒绝授权请求")

// Custodian 托管钱包授权
// 授权交易由托管服务以用户钱包签名并广播，返回交易哈希
type Custodian interface {
	ApproveToken(ctx context.Context, walletAddress, spender string, amount decimal.Decimal) (string, error)
	ApproveNFT(ctx context.Context, walletAddress, spender, tokenID string) (string, error)
}

// CustodyConfig 托管客户端配置
type CustodyConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CustodyClient 托管服务 HTTP 客户端
type CustodyClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCustodyClient 创建托管客户端
func NewCustodyClient(cfg *CustodyConfig) *CustodyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CustodyClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type approveTokenRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type approveNFTRequest struct {
	Spender string `json:"spender"`
	TokenID string `json:"token_id"`
}

type approveResponse struct {
	TxHash string `json:"tx_hash"`
}

// ApproveToken 授权 spender 使用钱包中的 ERC-20
func (c *CustodyClient) ApproveToken(ctx context.Context, walletAddress, spender string, amount decimal.Decimal) (string, error) {
	return c.approve(ctx, walletAddress, "token", approveTokenRequest{
		Spender: spender,
		Amount:  amount.String(),
	})
}

// ApproveNFT 授权 spender 转移钱包中的 NFT
func (c *CustodyClient) ApproveNFT(ctx context.Context, walletAddress, spender, tokenID string) (string, error) {
	return c.approve(ctx, walletAddress, "nft", approveNFTRequest{
		Spender: spender,
		TokenID: tokenID,
	})
}

func (c *CustodyClient) approve(ctx context.Context, walletAddress, kind string, body interface{}) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/wallets/%s/approvals/%s", c.baseURL, strings.ToLower(walletAddress), kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.Transient(err, "custody %s approve", kind)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500:
		return "", apperrors.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, data), "custody %s approve", kind)
	case resp.StatusCode >= 400:
		logger.Warn("custody rejected approval",
			zap.String("wallet", walletAddress),
			zap.String("kind", kind),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data))
		return "", apperrors.Wrapf(ErrCustodyRejected, fmt.Errorf("status %d", resp.StatusCode), "custody %s approve: %s", kind, data)
	}

	var out approveResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode custody response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("custody response missing tx_hash")
	}
	return out.TxHash, nil
}
