// Package config loads service configuration from an optional YAML file with
// environment-variable overrides. A single Config value is threaded through
// construction; nothing reads configuration globally.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Notifiers NotifiersConfig `yaml:"notifiers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the counter store connection.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// PostgresConfig configures the configuration/event store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BreakerConfig configures the counter-store circuit breaker.
type BreakerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureRate       float64       `yaml:"failure_rate"`
	MinCalls          uint32        `yaml:"min_calls"`
	OpenDuration      time.Duration `yaml:"open_duration"`
	HalfOpenSuccesses uint32        `yaml:"half_open_successes"`
}

// RetryConfig configures retries around counter-store calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CacheConfig configures the in-process policy cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// EventsConfig configures the verdict event sink.
type EventsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DropOldest    bool          `yaml:"drop_oldest"`
	MaxRetries    int           `yaml:"max_retries"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// AlertsConfig configures the alert evaluation loop.
type AlertsConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	TickTimeout  time.Duration `yaml:"tick_timeout"`
}

// NotifiersConfig configures the built-in notifiers. A notifier with an
// empty endpoint is disabled.
type NotifiersConfig struct {
	SlackToken     string        `yaml:"slack_token"`
	SlackChannel   string        `yaml:"slack_channel"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	LogEnabled     bool          `yaml:"log_enabled"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration the service boots with when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			OpTimeout: 100 * time.Millisecond,
		},
		Postgres: PostgresConfig{
			DSN:          "postgres://gatelimit@localhost:5432/gatelimit?sslmode=disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Breaker: BreakerConfig{
			Interval:          10 * time.Second,
			FailureRate:       0.5,
			MinCalls:          10,
			OpenDuration:      30 * time.Second,
			HalfOpenSuccesses: 3,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTL:           10 * time.Minute,
			MaxEntries:    100,
			StatsInterval: time.Minute,
		},
		Events: EventsConfig{
			BufferSize:    4096,
			Workers:       2,
			BatchSize:     100,
			FlushInterval: time.Second,
			MaxRetries:    3,
			DrainTimeout:  10 * time.Second,
		},
		Alerts: AlertsConfig{
			Interval:     60 * time.Second,
			InitialDelay: 30 * time.Second,
			TickTimeout:  30 * time.Second,
		},
		Notifiers: NotifiersConfig{
			WebhookTimeout: 5 * time.Second,
			LogEnabled:     true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and GATELIMIT_*
// environment overrides, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr must not be empty")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn must not be empty")
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("config: breaker.failure_rate must be in (0,1], got %v", c.Breaker.FailureRate)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be at least 1")
	}
	if c.Events.BufferSize < 1 || c.Events.BatchSize < 1 || c.Events.Workers < 1 {
		return fmt.Errorf("config: events buffer_size, batch_size and workers must be positive")
	}
	if c.Cache.TTL <= 0 || c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: cache.ttl and cache.max_entries must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Server.Listen, "GATELIMIT_LISTEN")
	setStr(&cfg.Redis.Addr, "GATELIMIT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GATELIMIT_REDIS_PASSWORD")
	setStr(&cfg.Postgres.DSN, "GATELIMIT_POSTGRES_DSN")
	setStr(&cfg.Notifiers.SlackToken, "GATELIMIT_SLACK_TOKEN")
	setStr(&cfg.Notifiers.SlackChannel, "GATELIMIT_SLACK_CHANNEL")
	setStr(&cfg.Notifiers.WebhookURL, "GATELIMIT_WEBHOOK_URL")
	setStr(&cfg.Logging.Level, "GATELIMIT_LOG_LEVEL")

	if v := os.Getenv("GATELIMIT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("GATELIMIT_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Events.BufferSize = n
		}
	}
	if v := os.Getenv("GATELIMIT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
}
