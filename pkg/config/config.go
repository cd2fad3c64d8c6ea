package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database (time-series persistence collaborator)
	Database DatabaseConfig

	// Redis (event bus)
	Redis RedisConfig

	// Risk limits
	Risk RiskConfig

	// Mock broker simulation knobs
	Broker BrokerConfig

	// Scheduled jobs
	Scheduler SchedulerConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL     string
	Enabled bool

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// RiskConfig holds the trading limits read from the environment
type RiskConfig struct {
	MaxPositionSize     float64
	MaxTotalExposure    float64
	MaxOrderSize        float64
	MaxDailyLoss        float64
	MaxDrawdownFromHigh float64
	MaxOrdersPerMinute  int
	MaxOrdersPerDay     int
	Bankroll            float64
	MinFreeCapitalPct   float64
}

// BrokerConfig holds mock broker simulation parameters
type BrokerConfig struct {
	Name             string
	FillLatency      time.Duration
	RejectionRate    float64
	PartialFillCount int
	SlippageBps      float64
	Workers          int
	QueueSize        int
}

// SchedulerConfig holds cron expressions for the background jobs
type SchedulerConfig struct {
	Enabled        bool
	DailyResetSpec string // when daily counters reset (after session close)
	PersistSpec    string // how often position snapshots are flushed
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Enabled:         getEnvAsBool("PERSIST_ENABLED", false),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},

		Risk: RiskConfig{
			MaxPositionSize:     getEnvAsFloat("RISK_MAX_POSITION_SIZE", 1000),
			MaxTotalExposure:    getEnvAsFloat("RISK_MAX_TOTAL_EXPOSURE", 100000),
			MaxOrderSize:        getEnvAsFloat("RISK_MAX_ORDER_SIZE", 500),
			MaxDailyLoss:        getEnvAsFloat("RISK_MAX_DAILY_LOSS", 5000),
			MaxDrawdownFromHigh: getEnvAsFloat("RISK_MAX_DRAWDOWN_FROM_HIGH", 1000),
			MaxOrdersPerMinute:  getEnvAsInt("RISK_MAX_ORDERS_PER_MINUTE", 100),
			MaxOrdersPerDay:     getEnvAsInt("RISK_MAX_ORDERS_PER_DAY", 10000),
			Bankroll:            getEnvAsFloat("RISK_BANKROLL", 100000),
			MinFreeCapitalPct:   getEnvAsFloat("RISK_MIN_FREE_CAPITAL_PCT", 0.1),
		},

		Broker: BrokerConfig{
			Name:             getEnv("BROKER_NAME", "mock"),
			FillLatency:      getEnvAsDuration("BROKER_FILL_LATENCY", "50ms"),
			RejectionRate:    getEnvAsFloat("BROKER_REJECTION_RATE", 0),
			PartialFillCount: getEnvAsInt("BROKER_PARTIAL_FILL_COUNT", 1),
			SlippageBps:      getEnvAsFloat("BROKER_SLIPPAGE_BPS", 0),
			Workers:          getEnvAsInt("BROKER_WORKERS", 4),
			QueueSize:        getEnvAsInt("BROKER_QUEUE_SIZE", 256),
		},

		Scheduler: SchedulerConfig{
			Enabled:        getEnvAsBool("SCHEDULER_ENABLED", true),
			DailyResetSpec: getEnv("SCHEDULER_DAILY_RESET", "0 0 17 * * *"),
			PersistSpec:    getEnv("SCHEDULER_PERSIST", "0 */5 * * * *"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when PERSIST_ENABLED=true")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Risk.MinFreeCapitalPct < 0 || c.Risk.MinFreeCapitalPct > 1 {
		return fmt.Errorf("RISK_MIN_FREE_CAPITAL_PCT must be in [0,1]")
	}

	if c.Broker.RejectionRate < 0 || c.Broker.RejectionRate > 1 {
		return fmt.Errorf("BROKER_REJECTION_RATE must be in [0,1]")
	}

	if c.Broker.PartialFillCount < 1 {
		return fmt.Errorf("BROKER_PARTIAL_FILL_COUNT must be >= 1")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
