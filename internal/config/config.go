// Package config loads engine configuration from the environment, with an
// optional yaml file overlay for deployments that prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Events      EventsConfig      `yaml:"events"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Logging     LoggingConfig     `yaml:"logging"`
	Environment string            `yaml:"environment"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the postgres pool. An empty URL selects the
// in-memory registry, which is only allowed outside production.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
	MaxIdle        int    `yaml:"max_idle_connections"`
	MigrationsPath string `yaml:"migrations_path"`
}

type RateLimitConfig struct {
	MutationsPerMinute int `yaml:"mutations_per_minute"`
	Burst              int `yaml:"burst"`
}

type DispatchConfig struct {
	Workers                int           `yaml:"workers"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	ProgressInterval       time.Duration `yaml:"progress_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
	CancelGrace            time.Duration `yaml:"cancel_grace"`
	MaxConcurrentPerJob    int           `yaml:"max_concurrent_per_job"`
	MaxConcurrentPerTenant int           `yaml:"max_concurrent_per_tenant"`
	TenantItemsPerMinute   int           `yaml:"tenant_items_per_minute"`
	TenantBurst            int           `yaml:"tenant_burst"`
}

type EventsConfig struct {
	ReplayBuffer     int `yaml:"replay_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type IdempotencyConfig struct {
	Window time.Duration `yaml:"window"`
}

type WebhooksConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from the environment. When path is non-empty the
// yaml file is read first and env vars override its values.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)
	cfg.Database.MaxIdle = getEnvInt("DATABASE_MAX_IDLE_CONNECTIONS", cfg.Database.MaxIdle)
	cfg.Database.MigrationsPath = getEnv("DATABASE_MIGRATIONS_PATH", cfg.Database.MigrationsPath)

	cfg.RateLimit.MutationsPerMinute = getEnvInt("RATE_LIMIT_MUTATIONS", cfg.RateLimit.MutationsPerMinute)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Dispatch.Workers = getEnvInt("DISPATCH_WORKERS", cfg.Dispatch.Workers)
	cfg.Dispatch.PollInterval = getEnvDuration("DISPATCH_POLL_INTERVAL", cfg.Dispatch.PollInterval)
	cfg.Dispatch.SweepInterval = getEnvDuration("DISPATCH_SWEEP_INTERVAL", cfg.Dispatch.SweepInterval)
	cfg.Dispatch.ProgressInterval = getEnvDuration("DISPATCH_PROGRESS_INTERVAL", cfg.Dispatch.ProgressInterval)
	cfg.Dispatch.HeartbeatTimeout = getEnvDuration("DISPATCH_HEARTBEAT_TIMEOUT", cfg.Dispatch.HeartbeatTimeout)
	cfg.Dispatch.HandshakeTimeout = getEnvDuration("DISPATCH_HANDSHAKE_TIMEOUT", cfg.Dispatch.HandshakeTimeout)
	cfg.Dispatch.CancelGrace = getEnvDuration("DISPATCH_CANCEL_GRACE", cfg.Dispatch.CancelGrace)
	cfg.Dispatch.MaxConcurrentPerJob = getEnvInt("DISPATCH_MAX_CONCURRENT_PER_JOB", cfg.Dispatch.MaxConcurrentPerJob)
	cfg.Dispatch.MaxConcurrentPerTenant = getEnvInt("DISPATCH_MAX_CONCURRENT_PER_TENANT", cfg.Dispatch.MaxConcurrentPerTenant)
	cfg.Dispatch.TenantItemsPerMinute = getEnvInt("DISPATCH_TENANT_ITEMS_PER_MINUTE", cfg.Dispatch.TenantItemsPerMinute)
	cfg.Dispatch.TenantBurst = getEnvInt("DISPATCH_TENANT_BURST", cfg.Dispatch.TenantBurst)

	cfg.Events.ReplayBuffer = getEnvInt("EVENTS_REPLAY_BUFFER", cfg.Events.ReplayBuffer)
	cfg.Events.SubscriberBuffer = getEnvInt("EVENTS_SUBSCRIBER_BUFFER", cfg.Events.SubscriberBuffer)

	cfg.Idempotency.Window = getEnvDuration("IDEMPOTENCY_WINDOW", cfg.Idempotency.Window)
	cfg.Webhooks.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", cfg.Webhooks.Timeout)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConnections: 25,
			MaxIdle:        5,
			MigrationsPath: "internal/storage/postgres/migrations",
		},
		RateLimit: RateLimitConfig{
			MutationsPerMinute: 120,
			Burst:              20,
		},
		Dispatch: DispatchConfig{
			Workers:                4,
			PollInterval:           time.Second,
			SweepInterval:          5 * time.Second,
			ProgressInterval:       2 * time.Second,
			HeartbeatTimeout:       60 * time.Second,
			HandshakeTimeout:       30 * time.Second,
			CancelGrace:            30 * time.Second,
			MaxConcurrentPerJob:    8,
			MaxConcurrentPerTenant: 32,
			TenantItemsPerMinute:   0,
			TenantBurst:            0,
		},
		Events: EventsConfig{
			ReplayBuffer:     1024,
			SubscriberBuffer: 64,
		},
		Idempotency: IdempotencyConfig{
			Window: 24 * time.Hour,
		},
		Webhooks: WebhooksConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Environment: "development",
	}
}

func (c Config) validate() error {
	if c.Database.URL == "" && c.Environment == "production" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	if c.Events.ReplayBuffer <= 0 {
		return fmt.Errorf("EVENTS_REPLAY_BUFFER must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
