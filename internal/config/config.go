package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Federation identity and policy
	Domain            string // this instance's domain identifier
	AcceptUnknownPeer bool   // auto-admit handshakes from unknown domains
	SpreadCapable     bool   // advertise relay capability to peers

	// Exchange limits
	MaxInstrumentsDefault int // per-request instrument cap when no EntityConfig overrides it

	// Delivery retry
	RetryInterval   time.Duration
	RetryMaxBackoff time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisURL:    os.Getenv("REDIS_URL"),

		Domain:            os.Getenv("GTNET_DOMAIN"),
		AcceptUnknownPeer: getEnv("GTNET_ACCEPT_UNKNOWN_PEER", "false") == "true",
		SpreadCapable:     getEnv("GTNET_SPREAD_CAPABLE", "false") == "true",

		MaxInstrumentsDefault: getEnvInt("GTNET_MAX_INSTRUMENTS", 200),

		RetryInterval:   getEnvDuration("GTNET_RETRY_INTERVAL", time.Minute),
		RetryMaxBackoff: getEnvDuration("GTNET_RETRY_MAX_BACKOFF", 15*time.Minute),
	}

	// The domain identifier is this instance's federation identity;
	// nothing works without it.
	if cfg.Domain == "" {
		if cfg.Env == "production" {
			panic("GTNET_DOMAIN is required")
		}
		cfg.Domain = "localhost:" + cfg.Port
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
