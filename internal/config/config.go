package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mallpay-next/internal/logger"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	UserJWT      JWTConfig          `mapstructure:"user_jwt"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Security     SecurityConfig     `mapstructure:"security"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Notification NotificationConfig `mapstructure:"notification"`
	Channels     ChannelsConfig     `mapstructure:"channels"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN    string             `mapstructure:"dsn"`    // 数据库连接串
	Pool   DatabasePoolConfig `mapstructure:"pool"`
}

// JWTConfig JWT 配置
type JWTConfig struct {
	SecretKey   string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	PaymentRateLimit RateLimitConfig `mapstructure:"payment_rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxAttempts   int `mapstructure:"max_attempts"`
}

// PaymentConfig 支付核心参数
type PaymentConfig struct {
	ExpireMinutes          int    `mapstructure:"expire_minutes"`
	LockTTLMinutes         int    `mapstructure:"lock_ttl_minutes"`
	CallbackTimeoutSeconds int    `mapstructure:"callback_timeout_seconds"`
	DedupTTLSeconds        int    `mapstructure:"dedup_ttl_seconds"`
	DedupBucketSeconds     int    `mapstructure:"dedup_bucket_seconds"`
	DefaultCurrency        string `mapstructure:"default_currency"`
	ExpireSweepSeconds     int    `mapstructure:"expire_sweep_seconds"`
	LockSweepSeconds       int    `mapstructure:"lock_sweep_seconds"`
}

// CallbackTimeout 回调处理时限
func (c PaymentConfig) CallbackTimeout() time.Duration {
	return secondsOr(c.CallbackTimeoutSeconds, 3)
}

// RetryConfig 重试队列参数
type RetryConfig struct {
	BaseDelayMS          int `mapstructure:"base_delay_ms"`
	MaxRetries           int `mapstructure:"max_retries"`
	BatchSize            int `mapstructure:"batch_size"`
	Workers              int `mapstructure:"workers"`
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds"`
	LeaseSeconds         int `mapstructure:"lease_seconds"`
}

// BaseDelay 首次退避时长
func (c RetryConfig) BaseDelay() time.Duration {
	if c.BaseDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// OutboxConfig 通知发件箱参数
type OutboxConfig struct {
	BatchSize            int `mapstructure:"batch_size"`
	MaxAttempts          int `mapstructure:"max_attempts"`
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds"`
	BaseDelaySeconds     int `mapstructure:"base_delay_seconds"`
}

// ReconcileConfig 对账参数
type ReconcileConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	DailyTime string   `mapstructure:"daily_time"` // HH:MM，Asia/Shanghai
	Channels  []string `mapstructure:"channels"`
	Timezone  string   `mapstructure:"timezone"`
}

// BreakerConfig 渠道熔断参数
type BreakerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
	IntervalSeconds     int    `mapstructure:"interval_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// MetricsConfig 指标参数
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// NotificationConfig 通知投递参数，未配置 webhook 时仅写日志
type NotificationConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ChannelsConfig 渠道配置
type ChannelsConfig struct {
	Wechat ChannelConfig       `mapstructure:"wechat"`
	Alipay ChannelConfig       `mapstructure:"alipay"`
	Points PointsChannelConfig `mapstructure:"points"`
}

// ChannelConfig 在线渠道配置，Credentials 交由渠道适配器解析
type ChannelConfig struct {
	Enabled     bool                   `mapstructure:"enabled"`
	Credentials map[string]interface{} `mapstructure:"credentials"`
	IPAllowList []string               `mapstructure:"ip_allow_list"`
	// StatusTable 覆盖默认状态映射，键为渠道状态词
	StatusTable       map[string]string `mapstructure:"status_table"`
	RefundStatusTable map[string]string `mapstructure:"refund_status_table"`
}

// PointsChannelConfig 积分支付开关
type PointsChannelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

// Seconds 将秒数配置转为时长，非正数使用 fallback
func Seconds(value, fallback int) time.Duration {
	return secondsOr(value, fallback)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "mallpay.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./db/mallpay.db")
	v.SetDefault("database.pool.max_open_conns", 1)
	v.SetDefault("database.pool.max_idle_conns", 1)
	v.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("user_jwt.secret", "user-change-me-in-production")
	v.SetDefault("user_jwt.expire_hours", 24)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "mp")
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", map[string]int{
		"default":  10,
		"critical": 5,
	})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Authorization",
		"Cache-Control",
		"X-Requested-With",
		"X-Request-ID",
	})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("security.payment_rate_limit.window_seconds", 60)
	v.SetDefault("security.payment_rate_limit.max_attempts", 10)
	v.SetDefault("payment.expire_minutes", 15)
	v.SetDefault("payment.lock_ttl_minutes", 15)
	v.SetDefault("payment.callback_timeout_seconds", 3)
	v.SetDefault("payment.dedup_ttl_seconds", 30)
	v.SetDefault("payment.dedup_bucket_seconds", 300)
	v.SetDefault("payment.default_currency", "CNY")
	v.SetDefault("payment.expire_sweep_seconds", 60)
	v.SetDefault("payment.lock_sweep_seconds", 300)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.workers", 8)
	v.SetDefault("retry.drain_interval_seconds", 5)
	v.SetDefault("retry.lease_seconds", 30)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.drain_interval_seconds", 5)
	v.SetDefault("outbox.base_delay_seconds", 5)
	v.SetDefault("reconcile.enabled", false)
	v.SetDefault("reconcile.daily_time", "10:30")
	v.SetDefault("reconcile.channels", []string{"WECHAT", "ALIPAY"})
	v.SetDefault("reconcile.timezone", "Asia/Shanghai")
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.interval_seconds", 60)
	v.SetDefault("breaker.timeout_seconds", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "mallpay")
	v.SetDefault("notification.webhook_url", "")
	v.SetDefault("notification.webhook_secret", "")
	v.SetDefault("notification.timeout_seconds", 5)
	v.SetDefault("channels.wechat.enabled", false)
	v.SetDefault("channels.alipay.enabled", false)
	v.SetDefault("channels.points.enabled", true)
}

// Load 从 config.yml 加载配置
func Load() *Config {
	cfg, err := LoadFrom(viper.GetViper(), "")
	if err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}
	return cfg
}

// LoadFrom 使用指定 viper 实例加载，file 为空时按默认路径查找 config.yml
func LoadFrom(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")     // 从当前目录查找
		v.AddConfigPath("../")   // 如果从 cmd/server 运行
		v.AddConfigPath("./etc") // etc 文件夹
	}

	setDefaults(v)

	// 环境变量支持，例如 payment.expire_minutes -> PAYMENT_EXPIRE_MINUTES
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
