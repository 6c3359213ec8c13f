// Package metrics 提供 eidos-nft 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_nft"

// 区块扫描指标
var (
	// CrawlerCursorBlock 游标已处理到的区块
	CrawlerCursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crawler_cursor_block",
			Help:      "游标最后处理的区块号",
		},
		[]string{"key"},
	)

	// CrawlerLagBlocks 安全高度与游标的差距
	CrawlerLagBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crawler_lag_blocks",
			Help:      "安全高度与游标之间的区块数",
		},
		[]string{"key"},
	)

	// CrawlerWindowsTotal 已入队的区块窗口数
	CrawlerWindowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawler_windows_total",
			Help:      "已入队的区块窗口数",
		},
		[]string{"key"},
	)
)

// 事件处理指标
var (
	// EventsReducedTotal 已处理事件数
	EventsReducedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reduced_total",
			Help:      "已处理的合约事件数",
		},
		[]string{"event", "result"}, // result: applied, noop, ignored, error
	)

	// ReduceDuration 单个区间任务处理耗时
	ReduceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reduce_duration_seconds",
			Help:      "区间任务处理耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stream"},
	)
)

// 队列指标
var (
	// JobsTotal 任务处理结果
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "队列任务处理结果",
		},
		[]string{"queue", "result"}, // result: enqueued, duplicate, completed, retried, dead
	)

	// JobDuration 任务处理耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "队列任务处理耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"queue"},
	)

	// StuckJobsTotal 重试耗尽的任务
	StuckJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_total",
			Help:      "重试耗尽进入死信的任务数",
		},
		[]string{"queue"},
	)
)

// 链上交易指标
var (
	// TxSubmittedTotal 链上交易提交结果
	TxSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submitted_total",
			Help:      "链上交易提交结果",
		},
		[]string{"action", "status"}, // status: success, failed, approve_failed
	)

	// TxConfirmDuration 广播到回执的耗时
	TxConfirmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirm_duration_seconds",
			Help:      "交易广播到回执的耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)

	// SignerUsageTotal 签名账户使用次数
	SignerUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_usage_total",
			Help:      "签名账户使用次数",
		},
		[]string{"address"},
	)
)

// 拍卖结算指标
var (
	// SettlementsTotal 拍卖结算结果
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "拍卖结算结果",
		},
		[]string{"result"}, // result: submitted, no_bids, won
	)

	// ExpiredAuctionsGauge 最近一次扫描发现的过期拍卖
	ExpiredAuctionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expired_auctions",
			Help:      "最近一次扫描发现的过期拍卖数",
		},
	)
)

// 运维接口指标
var (
	// HTTPRequestsTotal 运维接口请求数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "运维接口请求数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 运维接口耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "运维接口请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
