package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置（config.yaml + 环境变量覆盖）
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fanvue    FanvueConfig    `mapstructure:"fanvue"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Delay     DelayConfig     `mapstructure:"delay"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug | release | test
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	// WorkerSecret 用于 cron/外部触发 worker tick 的静态口令
	WorkerSecret string `mapstructure:"worker_secret"`
	// JWTSecret 管理端 HS256 JWT 校验密钥
	JWTSecret string `mapstructure:"jwt_secret"`
}

type FanvueConfig struct {
	APIBaseURL string  `mapstructure:"api_base_url"`
	APIVersion string  `mapstructure:"api_version"`
	TokenURL   string  `mapstructure:"token_url"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	RateBurst  int     `mapstructure:"rate_burst"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	// SignatureTolerance 签名时间戳允许的偏差
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
}

// DelayConfig 拟人回复延迟参数（秒）
type DelayConfig struct {
	BaseMinSeconds    int `mapstructure:"base_min_seconds"`
	BaseMaxSeconds    int `mapstructure:"base_max_seconds"`
	PerPendingSeconds int `mapstructure:"per_pending_seconds"`
	BonusCapSeconds   int `mapstructure:"bonus_cap_seconds"`
}

type WorkerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	TimeBudget   time.Duration `mapstructure:"time_budget"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// TokenExpiryBuffer 提前刷新 OAuth token 的缓冲窗口
	TokenExpiryBuffer time.Duration `mapstructure:"token_expiry_buffer"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Load 读取 config.yaml，环境变量以 INBOX_ 前缀覆盖
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("INBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件可以不存在，全部走默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=inbox port=5432 sslmode=disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("fanvue.api_base_url", "https://api.fanvue.com")
	v.SetDefault("fanvue.api_version", "2025-06-26")
	v.SetDefault("fanvue.token_url", "https://fanvue.com/oauth/token")
	v.SetDefault("fanvue.rate_per_sec", 5.0)
	v.SetDefault("fanvue.rate_burst", 10)

	v.SetDefault("llm.base_url", "https://api.x.ai/v1")
	v.SetDefault("llm.model", "grok-2-latest")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("webhook.signature_tolerance", 300*time.Second)

	v.SetDefault("delay.base_min_seconds", 30)
	v.SetDefault("delay.base_max_seconds", 80)
	v.SetDefault("delay.per_pending_seconds", 5)
	v.SetDefault("delay.bonus_cap_seconds", 40)

	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.time_budget", 25*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", 60*time.Second)
	v.SetDefault("worker.token_expiry_buffer", 5*time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "inbox-autopilot")
}
