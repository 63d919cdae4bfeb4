// Package config resolves runtime configuration for the server daemon.
// Priority: CLI flags > environment variables > .env file > defaults.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime options for cmd/server.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// DatabaseURL selects the PostgreSQL store. Empty means the in-memory
	// store, which is useful for local development and tests.
	DatabaseURL string

	// LogLevel is the minimum slog level name.
	LogLevel string

	// RetentionKeep bounds execution history per rule.
	RetentionKeep int

	// RetentionEvery is the interval between history pruning passes.
	RetentionEvery time.Duration

	// ShutdownGrace is how long in-flight requests get on shutdown.
	ShutdownGrace time.Duration

	// WebhookTimeout is the request timeout for the builtin send_webhook
	// handler.
	WebhookTimeout time.Duration
}

const (
	defaultAddr           = "0.0.0.0:8080"
	defaultLogLevel       = "info"
	defaultRetentionKeep  = 1000
	defaultRetentionEvery = time.Hour
	defaultShutdownGrace  = 30 * time.Second
	defaultWebhookTimeout = 10 * time.Second
)

func envString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse loads .env when present, then resolves flags and environment into a
// Config.
func Parse() (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := &Config{
		Addr:           envString("AUTOMATION_ADDR", defaultAddr),
		DatabaseURL:    envString("DATABASE_URL", ""),
		LogLevel:       envString("LOG_LEVEL", defaultLogLevel),
		RetentionKeep:  envInt("AUTOMATION_RETENTION_KEEP", defaultRetentionKeep),
		RetentionEvery: envDuration("AUTOMATION_RETENTION_EVERY", defaultRetentionEvery),
		ShutdownGrace:  envDuration("AUTOMATION_SHUTDOWN_GRACE", defaultShutdownGrace),
		WebhookTimeout: envDuration("AUTOMATION_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
	}

	var addr, databaseURL, logLevel string
	var retentionKeep int
	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&databaseURL, "database", "", "PostgreSQL URL (overrides env)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.IntVar(&retentionKeep, "retention-keep", 0, "Execution history entries retained per rule")
	flag.Parse()

	if addr != "" {
		cfg.Addr = addr
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if retentionKeep > 0 {
		cfg.RetentionKeep = retentionKeep
	}

	if cfg.RetentionKeep < 0 {
		cfg.RetentionKeep = defaultRetentionKeep
	}
	return cfg, nil
}
