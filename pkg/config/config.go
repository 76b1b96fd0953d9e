// 文件: pkg/config/config.go
// 服务配置
//
// 加载顺序:
// 1. .env (可选，不存在时忽略)
// 2. YAML 配置文件
// 3. 环境变量覆盖 MYSQL_DSN / REDIS_ADDR / NATS_URL / KAFKA_BROKERS / LOG_LEVEL / LOG_FILE
//
// 加载出来的 *Config 由 main 逐层传给各个构造函数，包内没有全局配置。

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perpcalc.com/pkg/logger"
	"perpcalc.com/pkg/perp"
)

var (
	ErrNoMarkets       = errors.New("config: at least one market is required")
	ErrDuplicateMarket = errors.New("config: duplicate market symbol")
	ErrUnknownMarket   = errors.New("config: unknown market")
)

type Config struct {
	Log       logger.Options  `yaml:"log"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Predictor PredictorConfig `yaml:"predictor"`
	Markets   []Market        `yaml:"markets"`
}

type MySQLConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	FundingTopic     string   `yaml:"funding_topic"`
	AlertTopic       string   `yaml:"alert_topic"`
	ObservationTopic string   `yaml:"observation_topic"`
	GroupID          string   `yaml:"group_id"`
	// RequiredAcks none / local / all
	RequiredAcks string `yaml:"required_acks"`
	// Compression none / gzip / snappy / lz4 / zstd
	Compression    string        `yaml:"compression"`
	FlushFrequency time.Duration `yaml:"flush_frequency"`
}

type NATSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	URL                string `yaml:"url"`
	FundingSubject     string `yaml:"funding_subject"`
	AlertSubject       string `yaml:"alert_subject"`
	ObservationSubject string `yaml:"observation_subject"`
}

type PredictorConfig struct {
	// Interval 预测资金费的推送间隔
	Interval time.Duration `yaml:"interval"`
	// NodeID snowflake 节点号 (0-1023)
	NodeID int64 `yaml:"node_id"`
	// AlertCooldown 同一账户强平价触发的最小间隔
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

// Market 单个交易对
type Market struct {
	Symbol  string         `yaml:"symbol"`
	Gov     perp.GovParams `yaml:"gov"`
	Genesis Genesis        `yaml:"genesis"`
}

// Genesis 数据库里没有快照时的初始状态
type Genesis struct {
	IndexPrice    decimal.Decimal `yaml:"index_price"`
	InsuranceFund decimal.Decimal `yaml:"insurance_fund"`
	PoolCash      decimal.Decimal `yaml:"pool_cash"`
	Timestamp     int64           `yaml:"timestamp"`
}

// Load 读取 .env 与 YAML 配置文件
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML，应用默认值和环境变量覆盖
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.CacheTTL <= 0 {
		c.Redis.CacheTTL = 10 * time.Minute
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 20
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 5
	}
	if c.Kafka.FundingTopic == "" {
		c.Kafka.FundingTopic = "perp.funding"
	}
	if c.Kafka.AlertTopic == "" {
		c.Kafka.AlertTopic = "perp.risk"
	}
	if c.Kafka.ObservationTopic == "" {
		c.Kafka.ObservationTopic = "perp.observation"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "perpcalc"
	}
	if c.Kafka.RequiredAcks == "" {
		c.Kafka.RequiredAcks = "local"
	}
	if c.Kafka.Compression == "" {
		c.Kafka.Compression = "snappy"
	}
	if c.Kafka.FlushFrequency <= 0 {
		c.Kafka.FlushFrequency = 100 * time.Millisecond
	}
	if c.NATS.FundingSubject == "" {
		c.NATS.FundingSubject = "perp.funding"
	}
	if c.NATS.AlertSubject == "" {
		c.NATS.AlertSubject = "perp.risk"
	}
	if c.NATS.ObservationSubject == "" {
		c.NATS.ObservationSubject = "perp.observation"
	}
	if c.Predictor.Interval <= 0 {
		c.Predictor.Interval = 5 * time.Second
	}
	if c.Predictor.AlertCooldown <= 0 {
		c.Predictor.AlertCooldown = time.Minute
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.MySQL.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.Output = strings.TrimSpace(v)
	}
}

// Validate 检查市场列表与治理参数
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return ErrNoMarkets
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for _, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("config: market symbol is required")
		}
		if _, ok := seen[m.Symbol]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMarket, m.Symbol)
		}
		seen[m.Symbol] = struct{}{}
		if err := m.Gov.Validate(); err != nil {
			return fmt.Errorf("market %s: %w", m.Symbol, err)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	switch c.Kafka.RequiredAcks {
	case "none", "local", "all":
	default:
		return fmt.Errorf("config: kafka.required_acks must be none, local or all")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("config: nats enabled without url")
	}
	if c.Predictor.NodeID < 0 || c.Predictor.NodeID > 1023 {
		return fmt.Errorf("config: predictor.node_id must be in [0,1023]")
	}
	return nil
}

// Market 按 symbol 查找市场
func (c *Config) Market(symbol string) (Market, error) {
	for _, m := range c.Markets {
		if m.Symbol == symbol {
			return m, nil
		}
	}
	return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
}

// Symbols 所有市场的 symbol，按配置顺序
func (c *Config) Symbols() []string {
	symbols := make([]string, len(c.Markets))
	for i, m := range c.Markets {
		symbols[i] = m.Symbol
	}
	return symbols
}

// GenesisStorage 初始合约状态
func (m Market) GenesisStorage() perp.PerpetualStorage {
	return perp.PerpetualStorage{
		InsuranceFundBalance: m.Genesis.InsuranceFund,
		FundingParams: perp.FundingParams{
			LastIndexPrice:       m.Genesis.IndexPrice,
			LastFundingTimestamp: m.Genesis.Timestamp,
		},
	}
}

// GenesisPool 初始 AMM 资金池账户
func (m Market) GenesisPool() perp.AccountStorage {
	return perp.AccountStorage{CashBalance: m.Genesis.PoolCash}
}
