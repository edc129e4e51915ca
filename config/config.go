package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用程序配置
type Config struct {
	APIPort        int
	LogLevel       string
	LogFile        LogFileConfig
	BaseURL        string
	AdminTokenHash string
	Database       DatabaseConfig
	Redis          RedisConfig
	Email          EmailConfig
	Reward         RewardConfig
	Price          PriceConfig
	Ledger         LedgerConfig
	Reconcile      ReconcileConfig
	Kafka          KafkaConfig
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Enabled    bool
	Path       string
	MaxSize    int // 单个文件最大大小，单位MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
}

// DatabaseConfig MySQL数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// EmailConfig 邮件配置
type EmailConfig struct {
	Host     string // SMTP服务器地址
	Port     int    // SMTP服务器端口
	Username string // 邮箱账号
	Password string // 邮箱密码
	From     string // 发件人
	FromName string // 发件人名称
	AlertTo  string // 对账告警收件人
}

// RewardConfig 奖励配置
type RewardConfig struct {
	Rate        string // 奖励比例，小数形式，0.01 表示 1%
	MaxAttempts int    // 转账被明确拒绝的最大次数，达到后票据置为失败，0 表示不限制
	Timeout     time.Duration
}

// PriceConfig 价格预言机配置
type PriceConfig struct {
	Source      string // fixed 或 coingecko
	FixedUSD    string
	FreshTTL    time.Duration
	StaleTTL    time.Duration
	Endpoint    string
	TokenID     string
	Currency    string
	SharedCache bool // 是否使用Redis作为多实例共享缓存
}

// LedgerConfig 链上转账配置
type LedgerConfig struct {
	RPCURL          string
	TokenAddress    string
	TokenDecimals   uint8
	TreasuryKey     string
	Confirmations   uint64
	PollInterval    time.Duration
	RejectContracts bool
}

// ReconcileConfig 对账调度配置
type ReconcileConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	AutoResolve bool
	BatchSize   int
	AlertEvery  time.Duration // 同一预占重复告警的间隔
}

// KafkaConfig 事件流配置，Brokers 为空时不启用
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 加载.env文件，文件不存在时直接使用环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	decimals := getInt("LEDGER_TOKEN_DECIMALS", 18)
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("LEDGER_TOKEN_DECIMALS 超出范围: %d", decimals)
	}

	cfg := &Config{
		APIPort:        getInt("API_PORT", 8080),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		BaseURL:        strings.TrimRight(getString("BASE_URL", "http://localhost:8080"), "/"),
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		LogFile: LogFileConfig{
			Enabled:    getBool("LOG_FILE_ENABLED", false),
			Path:       getString("LOG_FILE_PATH", "logs/app.log"),
			MaxSize:    getInt("LOG_FILE_MAX_SIZE", 100),
			MaxBackups: getInt("LOG_FILE_MAX_BACKUPS", 7),
			MaxAge:     getInt("LOG_FILE_MAX_AGE", 30),
			Compress:   getBool("LOG_FILE_COMPRESS", true),
		},
		Database: DatabaseConfig{
			Host:     os.Getenv("DB_HOST"),
			Port:     getInt("DB_PORT", 3306),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
		},
		Redis: RedisConfig{
			Host:     os.Getenv("REDIS_HOST"),
			Port:     getInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Email: EmailConfig{
			Host:     os.Getenv("EMAIL_HOST"),
			Port:     getInt("EMAIL_PORT", 587),
			Username: os.Getenv("EMAIL_USERNAME"),
			Password: os.Getenv("EMAIL_PASSWORD"),
			From:     os.Getenv("EMAIL_FROM"),
			FromName: os.Getenv("EMAIL_FROM_NAME"),
			AlertTo:  os.Getenv("ALERT_EMAIL"),
		},
		Reward: RewardConfig{
			Rate:        getString("REWARD_RATE", "0.01"),
			MaxAttempts: getInt("REDEEM_MAX_ATTEMPTS", 5),
			Timeout:     getDuration("TRANSFER_TIMEOUT", 90*time.Second),
		},
		Price: PriceConfig{
			Source:      strings.ToLower(getString("PRICE_SOURCE", "fixed")),
			FixedUSD:    getString("PRICE_FIXED_USD", "0.000001"),
			FreshTTL:    getDuration("PRICE_FRESH_TTL", 30*time.Second),
			StaleTTL:    getDuration("PRICE_STALE_TTL", 5*time.Minute),
			Endpoint:    os.Getenv("COINGECKO_ENDPOINT"),
			TokenID:     os.Getenv("COINGECKO_TOKEN_ID"),
			Currency:    getString("PRICE_CURRENCY", "usd"),
			SharedCache: getBool("PRICE_SHARED_CACHE", true),
		},
		Ledger: LedgerConfig{
			RPCURL:          os.Getenv("LEDGER_RPC_URL"),
			TokenAddress:    os.Getenv("LEDGER_TOKEN_ADDRESS"),
			TokenDecimals:   uint8(decimals),
			TreasuryKey:     os.Getenv("LEDGER_TREASURY_KEY"),
			Confirmations:   uint64(getInt("LEDGER_CONFIRMATIONS", 1)),
			PollInterval:    getDuration("LEDGER_POLL_INTERVAL", 3*time.Second),
			RejectContracts: getBool("LEDGER_REJECT_CONTRACTS", false),
		},
		Reconcile: ReconcileConfig{
			Interval:    getDuration("RECONCILE_INTERVAL", time.Minute),
			StaleAfter:  getDuration("RECONCILE_STALE_AFTER", 10*time.Minute),
			AutoResolve: getBool("RECONCILE_AUTO_RESOLVE", true),
			BatchSize:   getInt("RECONCILE_BATCH_SIZE", 100),
			AlertEvery:  getDuration("RECONCILE_ALERT_INTERVAL", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getString("KAFKA_TOPIC", "ticket-events"),
		},
	}

	if cfg.Price.StaleTTL < cfg.Price.FreshTTL {
		return nil, fmt.Errorf("PRICE_STALE_TTL 不能小于 PRICE_FRESH_TTL")
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
