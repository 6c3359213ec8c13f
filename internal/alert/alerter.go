// Package alert 告警，目前只有 webhook 实现
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 告警消息
type Alert struct {
	Key         string            `json:"-"` // 去重键，为空时取 Title
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func (a *Alert) dedupKey() string {
	if a.Key != "" {
		return a.Key
	}
	return a.Title
}

// Alerter 告警发送接口
type Alerter interface {
	Send(ctx context.Context, alert *Alert) error
	SendAsync(ctx context.Context, alert *Alert)
}

// Config 告警配置
type Config struct {
	Environment string
	ServiceName string
	WebhookURL  string
	WebhookType string // dingtalk, slack, generic
	Timeout     time.Duration
	MinInterval time.Duration // 同一去重键两次告警的最小间隔
}

type webhookAlerter struct {
	cfg    *Config
	client *http.Client

	lastSent *xsync.Map[string, time.Time]
	mu       sync.Mutex

	asyncCh chan *Alert
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAlerter 创建告警器，未配置 webhook 时返回空实现
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || cfg.WebhookURL == "" {
		return Nop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &webhookAlerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		lastSent: xsync.NewMap[string, time.Time](),
		asyncCh:  make(chan *Alert, 100),
		stopCh:   make(chan struct{}),
	}

	a.wg.Add(1)
	go a.asyncWorker()

	return a
}

// Send 同步发送，去重窗口内的重复告警被丢弃
func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	a.fill(alert)
	if !a.allow(alert) {
		logger.Debug("alert suppressed",
			zap.String("key", alert.dedupKey()),
			zap.String("severity", string(alert.Severity)))
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// SendAsync 异步发送
func (a *webhookAlerter) SendAsync(ctx context.Context, alert *Alert) {
	a.fill(alert)
	select {
	case a.asyncCh <- alert:
	default:
		logger.Warn("alert channel full, dropping alert", zap.String("title", alert.Title))
	}
}

// Stop 停止异步发送
func (a *webhookAlerter) Stop() {
	a.once.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
	})
}

func (a *webhookAlerter) asyncWorker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case alert := <-a.asyncCh:
			if !a.allow(alert) {
				continue
			}
			if err := a.sendWebhook(context.Background(), alert); err != nil {
				logger.Error("async alert send failed",
					zap.String("title", alert.Title),
					zap.Error(err))
			}
		}
	}
}

func (a *webhookAlerter) fill(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

// allow 检查并记录去重窗口
func (a *webhookAlerter) allow(alert *Alert) bool {
	if a.cfg.MinInterval <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := alert.dedupKey()
	now := time.Now()
	if last, ok := a.lastSent.Load(key); ok && now.Sub(last) < a.cfg.MinInterval {
		return false
	}
	a.lastSent.Store(key, now)
	return true
}

func (a *webhookAlerter) sendWebhook(ctx context.Context, alert *Alert) error {
	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "dingtalk":
		payload, err = formatDingTalk(alert)
	case "slack":
		payload, err = formatSlack(alert)
	default:
		payload, err = json.Marshal(alert)
	}
	if err != nil {
		return fmt.Errorf("format alert failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatDingTalk(alert *Alert) ([]byte, error) {
	text := fmt.Sprintf("### [%s] %s\n\n**环境**: %s\n**服务**: %s\n**时间**: %s\n\n%s",
		alert.Severity, alert.Title,
		alert.Environment,
		alert.Source,
		alert.Timestamp.Format("2006-01-02 15:04:05"),
		alert.Message)
	for k, v := range alert.Tags {
		text += fmt.Sprintf("\n- %s: %s", k, v)
	}

	return json.Marshal(map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": alert.Title,
			"text":  text,
		},
	})
}

func formatSlack(alert *Alert) ([]byte, error) {
	color := "#36a64f"
	switch alert.Severity {
	case SeverityWarning:
		color = "#ffc107"
	case SeverityCritical:
		color = "#dc3545"
	}

	return json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"title": alert.Title,
				"text":  alert.Message,
				"fields": []map[string]interface{}{
					{"title": "Environment", "value": alert.Environment, "short": true},
					{"title": "Service", "value": alert.Source, "short": true},
				},
				"ts": alert.Timestamp.Unix(),
			},
		},
	})
}

type nopAlerter struct{}

// Nop 返回空告警器
func Nop() Alerter { return nopAlerter{} }

func (nopAlerter) Send(ctx context.Context, alert *Alert) error { return nil }

func (nopAlerter) SendAsync(ctx context.Context, alert *Alert) {}
