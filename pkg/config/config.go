package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration, read from the environment.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Gateway       GatewayConfig
	Billing       BillingConfig
	Events        EventsConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port               string
	RateLimitPerSecond int
	RateLimitBurst     int
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type GatewayConfig struct {
	BaseURL       string
	SecretKey     string
	VerifyTimeout time.Duration
	HealthTimeout time.Duration
}

type BillingConfig struct {
	Currency            string
	ExpiryWarningDays   int
	EntitlementCacheTTL time.Duration
}

type EventsConfig struct {
	AMQPURL string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
}

// Load reads configuration from the environment, with a best-effort .env.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               envString("SERVER_PORT", "8080"),
			RateLimitPerSecond: envInt("SERVER_RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     envInt("SERVER_RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Host:            envString("DB_HOST", "localhost"),
			Port:            envString("DB_PORT", "5432"),
			User:            envString("DB_USER", "postgres"),
			Password:        envString("DB_PASSWORD", ""),
			Name:            envString("DB_NAME", "sneaklink"),
			SSLMode:         envString("DB_SSLMODE", "disable"),
			MaxConns:        int32(envInt("DB_MAX_CONNS", 10)),
			MinConns:        int32(envInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime: envDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: envDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Gateway: GatewayConfig{
			BaseURL:       envString("GATEWAY_BASE_URL", "https://api.paystack.co"),
			SecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
			VerifyTimeout: envDuration("GATEWAY_VERIFY_TIMEOUT", 30*time.Second),
			HealthTimeout: envDuration("GATEWAY_HEALTH_TIMEOUT", 5*time.Second),
		},
		Billing: BillingConfig{
			Currency:            envString("BILLING_CURRENCY", "USD"),
			ExpiryWarningDays:   envInt("BILLING_EXPIRY_WARNING_DAYS", 7),
			EntitlementCacheTTL: envDuration("BILLING_ENTITLEMENT_CACHE_TTL", 5*time.Minute),
		},
		Events: EventsConfig{
			AMQPURL: os.Getenv("AMQP_URL"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: envBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Gateway.SecretKey == "" {
		logger.Warn("GATEWAY_SECRET_KEY is empty; gateway requests will be rejected upstream")
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
