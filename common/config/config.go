package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service     ServiceConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Executor    ExecutorConfig
	Coordinator CoordinatorConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings. Only consulted when
// StoreBackend is "postgres".
type DatabaseConfig struct {
	StoreBackend string // "memory" or "postgres"
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	MaxConns     int
	MinConns     int
	MaxIdleTime  time.Duration
	MaxLifetime  time.Duration
}

// RedisConfig holds the optional workflow-event relay settings
type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	EventChannel string
}

// ExecutorConfig holds the external executor RPC settings
type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
}

// CoordinatorConfig holds per-coordinator tunables
type CoordinatorConfig struct {
	RunCacheSize         int
	SubscriberBufferSize int
	DefaultTaskTimeout   time.Duration
	MaxTokensPerRun      int
	MaxRetryAttempts     int
	DefinitionsDir       string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			StoreBackend: getEnv("STORE_BACKEND", "memory"),
			Host:         getEnv("POSTGRES_HOST", "localhost"),
			Port:         getEnvInt("POSTGRES_PORT", 5432),
			Database:     getEnv("POSTGRES_DB", "conductor"),
			User:         getEnv("POSTGRES_USER", "conductor"),
			Password:     getEnv("POSTGRES_PASSWORD", "conductor"),
			MaxConns:     getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:     getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime:  getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:  getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			EventChannel: getEnv("REDIS_EVENT_CHANNEL", "workflow_events"),
		},
		Executor: ExecutorConfig{
			BaseURL: getEnv("EXECUTOR_BASE_URL", "http://localhost:8090"),
			Timeout: getEnvDuration("EXECUTOR_TIMEOUT", 60*time.Second),
		},
		Coordinator: CoordinatorConfig{
			RunCacheSize:         getEnvInt("RUN_CACHE_SIZE", 128),
			SubscriberBufferSize: getEnvInt("SUBSCRIBER_BUFFER_SIZE", 256),
			DefaultTaskTimeout:   time.Duration(getEnvInt("DEFAULT_TASK_TIMEOUT_MS", 30000)) * time.Millisecond,
			MaxTokensPerRun:      getEnvInt("MAX_TOKENS_PER_RUN", 10000),
			MaxRetryAttempts:     getEnvInt("MAX_RETRY_ATTEMPTS", 5),
			DefinitionsDir:       getEnv("DEFINITIONS_DIR", "./definitions"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Database.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Database.StoreBackend)
	}

	if c.Database.StoreBackend == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Coordinator.SubscriberBufferSize < 1 {
		return fmt.Errorf("subscriber_buffer_size must be positive")
	}

	if c.Coordinator.MaxTokensPerRun < 1 {
		return fmt.Errorf("max_tokens_per_run must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
