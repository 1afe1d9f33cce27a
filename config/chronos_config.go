package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// Encryption
	MasterEncryptionKey string

	// JWT
	JWTSecret string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Sync
	SyncMaxCalendars      int
	SyncMaxConcurrent     int
	SyncMaxDuration       time.Duration
	SyncKeepAliveInterval time.Duration
	SyncUpsertWorkers     int

	// Webhook (Google push notifications)
	WebhookURL     string
	WebhookTimeout time.Duration

	// Logging
	LogLevel  string
	LogPretty bool

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		MasterEncryptionKey: getEnv("MASTER_ENCRYPTION_KEY", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		SyncMaxCalendars:      getEnvInt("SYNC_MAX_CALENDARS", 20),
		SyncMaxConcurrent:     getEnvInt("SYNC_MAX_CONCURRENT", 5),
		SyncMaxDuration:       time.Duration(getEnvInt("SYNC_MAX_DURATION_SEC", 300)) * time.Second,
		SyncKeepAliveInterval: time.Duration(getEnvInt("SYNC_KEEPALIVE_SEC", 15)) * time.Second,
		SyncUpsertWorkers:     getEnvInt("SYNC_UPSERT_WORKERS", 3),

		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		WebhookTimeout: time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SEC", 300)) * time.Second,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MasterEncryptionKey == "" {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
