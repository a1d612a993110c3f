// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int
	BaseURL  string

	// Database
	DatabaseURL string

	// Pipeline spec files
	SpecDir string

	// Gate token signing
	TokenSecret string
	TokenTTL    time.Duration

	// Notification channel webhook URL (empty disables notifications)
	NotifyURL string

	// Webhook admission
	WebhookDedupTTL      time.Duration
	WebhookRetryInterval time.Duration

	// Provider gateway
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int

	// Provider endpoints and their webhook signing secrets
	GenerationURL    string
	GenerationSecret string
	EditingURL       string
	EditingSecret    string
	PublishingURL    string
	PublishingSecret string

	// Soft gate sweep interval
	GateSweepInterval time.Duration

	// Outbox publisher
	OutboxPollInterval time.Duration

	// Bus consumer retry budget before dead-lettering
	ConsumerMaxAttempts int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		BaseURL:              getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:          getEnv("DATABASE_URL", "file:myloware.db?cache=shared&mode=rwc"),
		SpecDir:              getEnv("SPEC_DIR", "pipelines"),
		TokenSecret:          getEnv("TOKEN_SECRET", "dev-secret-change-me"),
		TokenTTL:             time.Duration(getEnvInt("TOKEN_TTL_MS", 86400000)) * time.Millisecond,
		NotifyURL:            getEnv("NOTIFY_URL", ""),
		WebhookDedupTTL:      time.Duration(getEnvInt("WEBHOOK_DEDUP_TTL_MS", 86400000)) * time.Millisecond,
		WebhookRetryInterval: time.Duration(getEnvInt("WEBHOOK_RETRY_INTERVAL_MS", 5000)) * time.Millisecond,
		ProviderTimeout:      time.Duration(getEnvInt("PROVIDER_TIMEOUT_MS", 30000)) * time.Millisecond,
		ProviderMaxAttempts:  getEnvInt("PROVIDER_MAX_ATTEMPTS", 6),
		GenerationURL:        getEnv("GENERATION_PROVIDER_URL", ""),
		GenerationSecret:     getEnv("GENERATION_WEBHOOK_SECRET", ""),
		EditingURL:           getEnv("EDITING_PROVIDER_URL", ""),
		EditingSecret:        getEnv("EDITING_WEBHOOK_SECRET", ""),
		PublishingURL:        getEnv("PUBLISHING_PROVIDER_URL", ""),
		PublishingSecret:     getEnv("PUBLISHING_WEBHOOK_SECRET", ""),
		GateSweepInterval:    time.Duration(getEnvInt("GATE_SWEEP_INTERVAL_MS", 500)) * time.Millisecond,
		OutboxPollInterval:   time.Duration(getEnvInt("OUTBOX_POLL_INTERVAL_MS", 200)) * time.Millisecond,
		ConsumerMaxAttempts:  getEnvInt("CONSUMER_MAX_ATTEMPTS", 5),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
