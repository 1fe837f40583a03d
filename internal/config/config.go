package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the billing engine.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Dunning  DunningConfig
	Webhook  WebhookConfig
	Queue    QueueConfig
	Scheduler SchedulerConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// ProviderConfig holds the onchain payment provider adapter's
// configuration: the engine-owned spender address verified against
// GetStatus's subscriptionOwner, the per-call timeout, and whether the
// engine defaults to testnet.
type ProviderConfig struct {
	BaseURL          string
	APIKey           string
	SpenderAddress   string
	CallTimeout      time.Duration
	DefaultTestnet   bool
	BreakerMaxFails  uint32
	BreakerOpenWait  time.Duration
}

// DunningConfig holds the bounded retry schedule applied to recoverable
// payment failures. Intervals is parsed from a comma-separated
// list of durations; an empty value falls back to dunning.DefaultSchedule.
type DunningConfig struct {
	Intervals []time.Duration
}

// WebhookConfig holds delivery-worker tuning.
type WebhookConfig struct {
	DeliveryTimeout time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
}

// QueueConfig holds the internal charge/webhook queue's retry discipline
// visibility timeout and max redeliveries before DLQ.
type QueueConfig struct {
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
	Workers           int
}

// SchedulerConfig holds the order scheduler's firing-protocol tuning
// (timer-firing retry count, decided at 3).
type SchedulerConfig struct {
	MaxFireRetries int
}

// MonitoringConfig holds observability configuration.
type MonitoringConfig struct {
	Enabled        bool
	PrometheusPort int
	MetricsPath    string
	LogLevel       string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "billing"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "billing_engine"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Provider: ProviderConfig{
			BaseURL:         getEnv("PROVIDER_BASE_URL", ""),
			APIKey:          getEnv("PROVIDER_API_KEY", ""),
			SpenderAddress:  getEnv("PROVIDER_SPENDER_ADDRESS", ""),
			CallTimeout:     getEnvAsDuration("PROVIDER_CALL_TIMEOUT", "30s"),
			DefaultTestnet:  getEnvAsBool("PROVIDER_DEFAULT_TESTNET", false),
			BreakerMaxFails: uint32(getEnvAsInt("PROVIDER_BREAKER_MAX_FAILS", 5)),
			BreakerOpenWait: getEnvAsDuration("PROVIDER_BREAKER_OPEN_WAIT", "30s"),
		},
		Dunning: DunningConfig{
			Intervals: getEnvAsDurationList("DUNNING_INTERVALS", ""),
		},
		Webhook: WebhookConfig{
			DeliveryTimeout: getEnvAsDuration("WEBHOOK_DELIVERY_TIMEOUT", "10s"),
			BackoffBase:     getEnvAsDuration("WEBHOOK_BACKOFF_BASE", "5s"),
			BackoffCap:      getEnvAsDuration("WEBHOOK_BACKOFF_CAP", "15m"),
			MaxAttempts:     getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 10),
		},
		Queue: QueueConfig{
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", "60s"),
			MaxRedeliveries:   getEnvAsInt("QUEUE_MAX_REDELIVERIES", 10),
			Workers:           getEnvAsInt("QUEUE_WORKERS", 8),
		},
		Scheduler: SchedulerConfig{
			MaxFireRetries: getEnvAsInt("SCHEDULER_MAX_FIRE_RETRIES", 3),
		},
		Monitoring: MonitoringConfig{
			Enabled:        getEnvAsBool("MONITORING_ENABLED", true),
			PrometheusPort: getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Provider.SpenderAddress == "" {
		return nil, fmt.Errorf("PROVIDER_SPENDER_ADDRESS is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

// getEnvAsDurationList parses a comma-separated list of durations, e.g.
// "24h,72h,120h,168h,120h". Returns nil (caller falls back to the
// package default) when unset or unparseable.
func getEnvAsDurationList(key, defaultValue string) []time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	if valueStr == "" {
		return nil
	}
	var out []time.Duration
	start := 0
	for i := 0; i <= len(valueStr); i++ {
		if i == len(valueStr) || valueStr[i] == ',' {
			part := valueStr[start:i]
			start = i + 1
			if part == "" {
				continue
			}
			d, err := time.ParseDuration(part)
			if err != nil {
				return nil
			}
			out = append(out, d)
		}
	}
	return out
}
