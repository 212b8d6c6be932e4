package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/dunning-engine/internal/model"
	redisbroker "github.com/jwalitptl/dunning-engine/pkg/messaging/redis"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
	"github.com/jwalitptl/dunning-engine/pkg/worker"
)

const envPrefix = "DUNNING"

type Config struct {
	Environment string          `mapstructure:"environment"`
	Log         LogConfig       `mapstructure:"log"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Redis       RedisConfig     `mapstructure:"redis"`
	RabbitMQ    RabbitMQConfig  `mapstructure:"rabbitmq"`
	SMTP        SMTPConfig      `mapstructure:"smtp"`
	Stripe      StripeConfig    `mapstructure:"stripe"`
	Auth        AuthConfig      `mapstructure:"auth"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Outbox      OutboxConfig    `mapstructure:"outbox"`
	Dunning     DunningConfig   `mapstructure:"dunning"`
	Notifier    NotifierConfig  `mapstructure:"notifier"`
	Access      AccessConfig    `mapstructure:"access"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	// WorkerHealthPort serves the worker's probes and metrics; 0 disables it
	WorkerHealthPort int `mapstructure:"worker_health_port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig picks the repository implementation
type StorageConfig struct {
	// Driver is "postgres" or "memory"
	Driver  string `mapstructure:"driver"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	// An empty URL keeps webhook dedupe in process and disables outbox publishing
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSL      bool   `mapstructure:"ssl"`
	From     string `mapstructure:"from"`
}

type StripeConfig struct {
	SecretKey         string        `mapstructure:"secret_key"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	APIURL            string        `mapstructure:"api_url"`
	MaxNetworkRetries int64         `mapstructure:"max_network_retries"`
	WebhookTolerance  time.Duration `mapstructure:"webhook_tolerance"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// ServiceKeyHash is the bcrypt hash of the key internal callers send
	ServiceKeyHash string `mapstructure:"service_key_hash"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Lease         time.Duration `mapstructure:"lease"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Publish       retry.Policy  `mapstructure:"publish"`
	Retention     time.Duration `mapstructure:"retention"`
}

type PolicyConfig struct {
	GracePeriodDays     int     `mapstructure:"grace_period_days"`
	MaxRetryAttempts    int     `mapstructure:"max_retry_attempts"`
	RetryIntervals      []int64 `mapstructure:"retry_intervals"`
	SuspensionDelayDays int     `mapstructure:"suspension_delay_days"`
	AutoCancelDays      int     `mapstructure:"auto_cancel_days"`
	EmailEnabled        bool    `mapstructure:"email_enabled"`
	SMSEnabled          bool    `mapstructure:"sms_enabled"`
}

type SweepConfig struct {
	BatchSize int               `mapstructure:"batch_size"`
	Workers   int               `mapstructure:"workers"`
	Schedules map[string]string `mapstructure:"schedules"`
	// CleanupSchedule runs retention cleanup of published outbox events
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

type DunningConfig struct {
	DefaultPolicy         PolicyConfig  `mapstructure:"default_policy"`
	PlanCacheTTL          time.Duration `mapstructure:"plan_cache_ttl"`
	EventRetention        time.Duration `mapstructure:"event_retention"`
	PendingAttemptTimeout time.Duration `mapstructure:"pending_attempt_timeout"`
	PendingAttemptExpiry  time.Duration `mapstructure:"pending_attempt_expiry"`
	Sweep                 SweepConfig   `mapstructure:"sweep"`
}

type NotifierConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Lease     time.Duration `mapstructure:"lease"`
	Retry     retry.Policy  `mapstructure:"retry"`
}

type AccessConfig struct {
	Retry           retry.Policy  `mapstructure:"retry"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

// secrets are overlaid from the environment after the file is read so they
// never need to live in config.yaml
type secrets struct {
	DatabasePassword    string `envconfig:"DATABASE_PASSWORD"`
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	JWTSecret           string `envconfig:"JWT_SECRET"`
	ServiceKeyHash      string `envconfig:"SERVICE_KEY_HASH"`
	SMTPPassword        string `envconfig:"SMTP_PASSWORD"`
	RedisURL            string `envconfig:"REDIS_URL"`
	RabbitMQURL         string `envconfig:"RABBITMQ_URL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "20s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.worker_health_port", 8081)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dunning")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "dunning")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", "100ms")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("rabbitmq.url", "")

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.ssl", false)
	v.SetDefault("smtp.from", "billing@example.com")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_url", "")
	v.SetDefault("stripe.max_network_retries", 0)
	v.SetDefault("stripe.webhook_tolerance", "5m")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "dunning-engine")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.service_key_hash", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", "2s")
	v.SetDefault("outbox.lease", "1m")
	v.SetDefault("outbox.max_deliveries", 10)
	v.SetDefault("outbox.retry_delay", "30s")
	v.SetDefault("outbox.publish.initial_interval", "200ms")
	v.SetDefault("outbox.publish.max_interval", "2s")
	v.SetDefault("outbox.publish.multiplier", 2)
	v.SetDefault("outbox.publish.max_retries", 3)
	v.SetDefault("outbox.retention", "168h")

	def := model.DefaultDunningConfig()
	v.SetDefault("dunning.default_policy.grace_period_days", def.GracePeriodDays)
	v.SetDefault("dunning.default_policy.max_retry_attempts", def.MaxRetryAttempts)
	v.SetDefault("dunning.default_policy.retry_intervals", []int64(def.RetryIntervals))
	v.SetDefault("dunning.default_policy.suspension_delay_days", def.SuspensionDelayDays)
	v.SetDefault("dunning.default_policy.auto_cancel_days", def.AutoCancelDays)
	v.SetDefault("dunning.default_policy.email_enabled", def.EmailEnabled)
	v.SetDefault("dunning.default_policy.sms_enabled", def.SMSEnabled)
	v.SetDefault("dunning.plan_cache_ttl", "1m")
	v.SetDefault("dunning.event_retention", "72h")
	v.SetDefault("dunning.pending_attempt_timeout", "15m")
	v.SetDefault("dunning.pending_attempt_expiry", "24h")
	v.SetDefault("dunning.sweep.batch_size", 200)
	v.SetDefault("dunning.sweep.workers", 8)
	v.SetDefault("dunning.sweep.schedules", map[string]string{
		"pending_attempts": "@every 1m",
		"retries":          "@every 1m",
		"suspensions":      "@every 5m",
		"accounts":         "@every 10m",
		"notifications":    "@every 30s",
	})
	v.SetDefault("dunning.sweep.cleanup_schedule", "@hourly")

	v.SetDefault("notifier.batch_size", 100)
	v.SetDefault("notifier.lease", "5m")
	v.SetDefault("notifier.retry.initial_interval", "500ms")
	v.SetDefault("notifier.retry.max_interval", "5s")
	v.SetDefault("notifier.retry.multiplier", 2)
	v.SetDefault("notifier.retry.max_retries", 3)

	v.SetDefault("access.retry.initial_interval", "500ms")
	v.SetDefault("access.retry.max_interval", "10s")
	v.SetDefault("access.retry.multiplier", 2)
	v.SetDefault("access.retry.max_retries", 5)
	v.SetDefault("access.breaker_timeout", "30s")
	v.SetDefault("access.breaker_failures", 5)
}

// LoadConfig reads config.yaml (or file, when set) and overlays DUNNING_* environment
// variables. A missing config file is not an error; the defaults apply.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// unknown keys are rejected
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var s secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read secrets from environment: %w", err)
	}
	cfg.applySecrets(s)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(s secrets) {
	overlay := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	overlay(&c.Database.Password, s.DatabasePassword)
	overlay(&c.Stripe.SecretKey, s.StripeSecretKey)
	overlay(&c.Stripe.WebhookSecret, s.StripeWebhookSecret)
	overlay(&c.Auth.JWTSecret, s.JWTSecret)
	overlay(&c.Auth.ServiceKeyHash, s.ServiceKeyHash)
	overlay(&c.SMTP.Password, s.SMTPPassword)
	overlay(&c.Redis.URL, s.RedisURL)
	overlay(&c.RabbitMQ.URL, s.RabbitMQURL)
}

// Validate checks the settings every binary depends on
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid storage.driver %q: want postgres or memory", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Dunning.PendingAttemptExpiry < c.Dunning.PendingAttemptTimeout {
		return fmt.Errorf("dunning.pending_attempt_expiry must not be shorter than pending_attempt_timeout")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 || c.Outbox.MaxDeliveries <= 0 || c.Outbox.RetryDelay <= 0 {
		return fmt.Errorf("outbox batch_size, poll_interval, max_deliveries and retry_delay must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultPolicyModel converts the configured fallback policy to the model type
func (c *DunningConfig) DefaultPolicyModel() model.DunningConfig {
	p := c.DefaultPolicy
	return model.DunningConfig{
		GracePeriodDays:     p.GracePeriodDays,
		MaxRetryAttempts:    p.MaxRetryAttempts,
		RetryIntervals:      model.DaySchedule(append([]int64(nil), p.RetryIntervals...)),
		SuspensionDelayDays: p.SuspensionDelayDays,
		AutoCancelDays:      p.AutoCancelDays,
		EmailEnabled:        p.EmailEnabled,
		SMSEnabled:          p.SMSEnabled,
	}
}

func (c *OutboxConfig) ToWorkerConfig() worker.OutboxProcessorConfig {
	return worker.OutboxProcessorConfig{
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		Lease:         c.Lease,
		MaxDeliveries: c.MaxDeliveries,
		RetryDelay:    c.RetryDelay,
		Publish:       c.Publish,
	}
}

func (c *RedisConfig) ToBrokerConfig() redisbroker.Config {
	return redisbroker.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}
