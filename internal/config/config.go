package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Crawler    CrawlerConfig    `yaml:"crawler" json:"crawler"`
	Reducer    ReducerConfig    `yaml:"reducer" json:"reducer"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Tx         TxConfig         `yaml:"tx" json:"tx"`
	Custody    CustodyConfig    `yaml:"custody" json:"custody"`
	Alert      AlertConfig      `yaml:"alert" json:"alert"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN 构造 postgres 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" json:"brokers"`
	GroupID     string   `yaml:"group_id" json:"group_id"`
	ClientID    string   `yaml:"client_id" json:"client_id"`
	TopicPrefix string   `yaml:"topic_prefix" json:"topic_prefix"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURLs            []string `yaml:"rpc_urls" json:"rpc_urls"`
	ChainID            int64    `yaml:"chain_id" json:"chain_id"`
	MarketplaceAddress string   `yaml:"marketplace_address" json:"marketplace_address"`
	NFTAddress         string   `yaml:"nft_address" json:"nft_address"`
	ERC20Address       string   `yaml:"erc20_address" json:"erc20_address"`
	ERC20Decimals      int32    `yaml:"erc20_decimals" json:"erc20_decimals"`
	SafetyBlocks       uint64   `yaml:"safety_blocks" json:"safety_blocks"`
	GasLimit           uint64   `yaml:"gas_limit" json:"gas_limit"`
	GasPriceGwei       int64    `yaml:"gas_price_gwei" json:"gas_price_gwei"` // 0 表示使用节点建议价
	AdminPrivateKeys   string   `yaml:"admin_private_keys" json:"-"`          // 逗号分隔
}

// AdminKeys 拆分管理员私钥列表
func (c BlockchainConfig) AdminKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.AdminPrivateKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// CrawlerConfig 区块扫描配置
type CrawlerConfig struct {
	ExchangeKey         string `yaml:"exchange_key" json:"exchange_key"`
	NFTKey              string `yaml:"nft_key" json:"nft_key"`
	FirstBlock          uint64 `yaml:"first_block" json:"first_block"`                   // 0 表示从当前高度-1开始
	ExchangeFirstBlock  uint64 `yaml:"exchange_first_block" json:"exchange_first_block"` // 市场合约部署高度
	BlocksPerWindow     uint64 `yaml:"blocks_per_window" json:"blocks_per_window"`
	PollIntervalMs      int64  `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	JobAttempts         int    `yaml:"job_attempts" json:"job_attempts"`
	JobBackoffMs        int64  `yaml:"job_backoff_ms" json:"job_backoff_ms"`
	CompletedRetentionH int    `yaml:"completed_retention_hours" json:"completed_retention_hours"`
}

// ReducerConfig 事件归约配置
type ReducerConfig struct {
	TimestampConcurrency int `yaml:"timestamp_concurrency" json:"timestamp_concurrency"`
	WorkerConcurrency    int `yaml:"worker_concurrency" json:"worker_concurrency"`
}

// SettlementConfig 拍卖结算配置
type SettlementConfig struct {
	ScanCron     string `yaml:"scan_cron" json:"scan_cron"`
	BatchSize    int    `yaml:"batch_size" json:"batch_size"`
	TieBreak     string `yaml:"tie_break" json:"tie_break"` // first, earliest, latest
	JobAttempts  int    `yaml:"job_attempts" json:"job_attempts"`
	JobBackoffMs int64  `yaml:"job_backoff_ms" json:"job_backoff_ms"`
}

// TxConfig 交易提交配置
type TxConfig struct {
	JobAttempts         int   `yaml:"job_attempts" json:"job_attempts"`
	JobBackoffMs        int64 `yaml:"job_backoff_ms" json:"job_backoff_ms"`
	ReceiptPollMs       int64 `yaml:"receipt_poll_ms" json:"receipt_poll_ms"`
	ReceiptTimeoutSec   int64 `yaml:"receipt_timeout_sec" json:"receipt_timeout_sec"`
	WorkerConcurrency   int   `yaml:"worker_concurrency" json:"worker_concurrency"`
	CompletedRetentionH int   `yaml:"completed_retention_hours" json:"completed_retention_hours"`
}

// CustodyConfig 托管钱包服务配置
type CustodyConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key" json:"-"`
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	WebhookURL     string `yaml:"webhook_url" json:"webhook_url"`
	WebhookType    string `yaml:"webhook_type" json:"webhook_type"` // generic, slack, dingtalk
	MinIntervalSec int    `yaml:"min_interval_sec" json:"min_interval_sec"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if len(c.Blockchain.RPCURLs) == 0 {
		return fmt.Errorf("blockchain.rpc_urls is required")
	}
	if c.Blockchain.MarketplaceAddress == "" {
		return fmt.Errorf("blockchain.marketplace_address is required")
	}
	if c.Blockchain.NFTAddress == "" {
		return fmt.Errorf("blockchain.nft_address is required")
	}
	switch c.Settlement.TieBreak {
	case "first", "earliest", "latest":
	default:
		return fmt.Errorf("settlement.tie_break must be one of first, earliest, latest, got %q", c.Settlement.TieBreak)
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-nft"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "eidos-nft"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "eidos-nft"
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "nft"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.ERC20Decimals == 0 {
		cfg.Blockchain.ERC20Decimals = 6
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 500000
	}

	if cfg.Crawler.ExchangeKey == "" {
		cfg.Crawler.ExchangeKey = "exchange"
	}
	if cfg.Crawler.NFTKey == "" {
		cfg.Crawler.NFTKey = "nft"
	}
	if cfg.Crawler.BlocksPerWindow == 0 {
		cfg.Crawler.BlocksPerWindow = 50
	}
	if cfg.Crawler.PollIntervalMs == 0 {
		cfg.Crawler.PollIntervalMs = 2000
	}
	if cfg.Crawler.JobAttempts == 0 {
		cfg.Crawler.JobAttempts = 5
	}
	if cfg.Crawler.JobBackoffMs == 0 {
		cfg.Crawler.JobBackoffMs = 5000
	}
	if cfg.Crawler.CompletedRetentionH == 0 {
		cfg.Crawler.CompletedRetentionH = 48
	}

	if cfg.Reducer.TimestampConcurrency == 0 {
		cfg.Reducer.TimestampConcurrency = 5
	}
	if cfg.Reducer.WorkerConcurrency == 0 {
		cfg.Reducer.WorkerConcurrency = 1
	}

	if cfg.Settlement.ScanCron == "" {
		cfg.Settlement.ScanCron = "@every 100s"
	}
	if cfg.Settlement.BatchSize == 0 {
		cfg.Settlement.BatchSize = 100
	}
	if cfg.Settlement.TieBreak == "" {
		cfg.Settlement.TieBreak = "first"
	}
	if cfg.Settlement.JobAttempts == 0 {
		cfg.Settlement.JobAttempts = 5
	}
	if cfg.Settlement.JobBackoffMs == 0 {
		cfg.Settlement.JobBackoffMs = 120000
	}

	if cfg.Tx.JobAttempts == 0 {
		cfg.Tx.JobAttempts = 5
	}
	if cfg.Tx.JobBackoffMs == 0 {
		cfg.Tx.JobBackoffMs = 60000
	}
	if cfg.Tx.ReceiptPollMs == 0 {
		cfg.Tx.ReceiptPollMs = 1000
	}
	if cfg.Tx.ReceiptTimeoutSec == 0 {
		cfg.Tx.ReceiptTimeoutSec = 600
	}
	if cfg.Tx.WorkerConcurrency == 0 {
		cfg.Tx.WorkerConcurrency = 1
	}
	if cfg.Tx.CompletedRetentionH == 0 {
		cfg.Tx.CompletedRetentionH = 48
	}

	if cfg.Custody.TimeoutSec == 0 {
		cfg.Custody.TimeoutSec = 10
	}
	if cfg.Alert.MinIntervalSec == 0 {
		cfg.Alert.MinIntervalSec = 300
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
