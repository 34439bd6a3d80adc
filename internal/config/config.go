// Package config 提供配置加载和管理功能
package config

import (
	"time"
)

// Config 应用配置根结构
type Config struct {
	App           AppConfig           `yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Messaging     MessagingConfig     `yaml:"messaging" mapstructure:"messaging"`
	Ledger        LedgerConfig        `yaml:"ledger" mapstructure:"ledger"`
	Notification  NotificationConfig  `yaml:"notification" mapstructure:"notification"`
	Callbacks     CallbacksConfig     `yaml:"callbacks" mapstructure:"callbacks"`
	Pricing       PricingConfig       `yaml:"pricing" mapstructure:"pricing"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
	Features      FeaturesConfig      `yaml:"features" mapstructure:"features"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Env     string `yaml:"env" mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPServerConfig `yaml:"http" mapstructure:"http"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
	// StatusTTL 生成请求状态读缓存 TTL
	StatusTTL time.Duration `yaml:"status_ttl" mapstructure:"status_ttl"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// MessagingConfig 消息队列配置
type MessagingConfig struct {
	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// RedisStreamConfig Redis Stream 配置
type RedisStreamConfig struct {
	MaxLen        int           `yaml:"max_len" mapstructure:"max_len"`
	BlockTimeout  time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	ClaimInterval time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	RetryLimit    int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryBackoff  BackoffConfig `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// LedgerConfig 信用点账本服务配置
type LedgerConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	SharedSecret string        `yaml:"shared_secret" mapstructure:"shared_secret"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// NotificationConfig 用户通知配置
type NotificationConfig struct {
	// PushEndpoint 通知推送网关地址（notify-worker 投递目标）
	PushEndpoint string        `yaml:"push_endpoint" mapstructure:"push_endpoint"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// CallbacksConfig 执行引擎回调配置
type CallbacksConfig struct {
	// BaseURL 对外可达的本服务地址，用于拼接回调 URL
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// SharedSecret 回调鉴权共享密钥（X-Callback-Token）
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`
}

// PricingConfig 各生成阶段的信用点价格
type PricingConfig struct {
	SampleCredits       int64            `yaml:"sample_credits" mapstructure:"sample_credits"`
	RegenerationCredits int64            `yaml:"regeneration_credits" mapstructure:"regeneration_credits"`
	FinalCredits        int64            `yaml:"final_credits" mapstructure:"final_credits"`
	FinalByResolution   map[string]int64 `yaml:"final_by_resolution" mapstructure:"final_by_resolution"`
}

// FinalCreditsFor 按目标分辨率计算最终生成价格
func (p PricingConfig) FinalCreditsFor(resolution string) int64 {
	if v, ok := p.FinalByResolution[resolution]; ok {
		return v
	}
	return p.FinalCredits
}

// RegenerationCreditsOrDefault 重新生成价格，未配置时与首次采样一致
func (p PricingConfig) RegenerationCreditsOrDefault() int64 {
	if p.RegenerationCredits > 0 {
		return p.RegenerationCredits
	}
	return p.SampleCredits
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter   string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt" mapstructure:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`
}

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret     string        `yaml:"secret" mapstructure:"secret"`
	Issuer     string        `yaml:"issuer" mapstructure:"issuer"`
	Expiration time.Duration `yaml:"expiration" mapstructure:"expiration"`
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

// FeaturesConfig 功能开关配置
type FeaturesConfig struct {
	// RefundOnSystemFailure 系统性失败是否自动退还信用点
	RefundOnSystemFailure bool             `yaml:"refund_on_system_failure" mapstructure:"refund_on_system_failure"`
	Reconciler            ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler"`
}

// ReconcilerConfig 对账任务配置
type ReconcilerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Interval 扫描周期
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// StuckPublishWindow 请求停留在入队中状态超过该窗口视为异常
	StuckPublishWindow time.Duration `yaml:"stuck_publish_window" mapstructure:"stuck_publish_window"`
	// ProcessingTimeout 请求停留在生成中状态超过该时长视为引擎丢失回调
	ProcessingTimeout time.Duration `yaml:"processing_timeout" mapstructure:"processing_timeout"`
	// BatchSize 单轮扫描处理的最大请求数
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}
