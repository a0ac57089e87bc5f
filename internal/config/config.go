package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the admin service.
type Config struct {
	AppName   string          `mapstructure:"app_name"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Billing   BillingConfig   `mapstructure:"billing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PostgresConfig holds PostgreSQL configuration.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// AuthConfig holds session validation configuration.
type AuthConfig struct {
	PublicKeyPEM string `mapstructure:"public_key_pem"`
	// SessionFreshness is the maximum session age accepted for sensitive
	// operations (refunds, role management, cancellations).
	SessionFreshness time.Duration `mapstructure:"session_freshness"`
}

// BillingConfig holds payment gateway configuration.
type BillingConfig struct {
	Provider            string            `mapstructure:"provider"`
	StripeSecret        string            `mapstructure:"stripe_secret"`
	StripeWebhookSecret string            `mapstructure:"stripe_webhook_secret"`
	// PriceIDs maps a subscription tier name to its gateway price id.
	PriceIDs map[string]string `mapstructure:"price_ids"`
	// TierPriceCents maps a tier name to its monthly price in integer cents.
	TierPriceCents map[string]int64 `mapstructure:"tier_price_cents"`
	CallTimeout    time.Duration    `mapstructure:"call_timeout"`
}

// RateLimitConfig holds per-admin rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Per-minute budgets by operation tier.
	ReadPerMinute      int `mapstructure:"read_per_minute"`
	ExpensivePerMinute int `mapstructure:"expensive_per_minute"`
	CriticalPerMinute  int `mapstructure:"critical_per_minute"`
}

// ReconcileConfig holds pending-transaction reconciliation configuration.
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// PendingAfter is how long a transaction may sit pending before the
	// reconciler asks the gateway for its real outcome.
	PendingAfter time.Duration `mapstructure:"pending_after"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from a yaml file with environment overrides.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("app_name", "admin-service")
	viper.SetDefault("http.address", ":8080")
	viper.SetDefault("http.read_timeout", 30*time.Second)
	viper.SetDefault("http.write_timeout", 30*time.Second)
	viper.SetDefault("http.shutdown_timeout", 15*time.Second)
	viper.SetDefault("postgres.max_conns", 10)
	viper.SetDefault("postgres.min_conns", 2)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("auth.session_freshness", 15*time.Minute)
	viper.SetDefault("billing.provider", "stripe")
	viper.SetDefault("billing.call_timeout", 10*time.Second)
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.read_per_minute", 300)
	viper.SetDefault("ratelimit.expensive_per_minute", 60)
	viper.SetDefault("ratelimit.critical_per_minute", 10)
	viper.SetDefault("reconcile.enabled", true)
	viper.SetDefault("reconcile.interval", 5*time.Minute)
	viper.SetDefault("reconcile.pending_after", 15*time.Minute)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	viper.SetDefault("tracing.sampling_ratio", 1.0)
	viper.SetDefault("log.level", "info")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("postgres.max_conns must be greater than 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Auth.SessionFreshness <= 0 {
		return fmt.Errorf("auth.session_freshness must be greater than 0")
	}
	if c.Billing.Provider == "stripe" && c.Billing.StripeSecret == "" {
		return fmt.Errorf("billing.stripe_secret is required for the stripe provider")
	}
	return nil
}
