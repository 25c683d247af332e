// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the seeding service.
type ServiceConfig struct {
	MetricsPort string
	APIPort     string // Empty disables the host API listener
	APIKey      string
	LogLevel    string

	SweepInterval     time.Duration // Registry scan period
	PollInterval      time.Duration // Worker status poll period
	FetchPollInterval time.Duration // Remote descriptor completion poll period
	FetchTimeout      time.Duration // 0 waits indefinitely

	EventsURL        string // Lifecycle event destination (empty to disable)
	EventsSigningKey string
	CallbackURL      string // Download completion webhook (empty records to the registry)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIPort:           GetEnv("API_PORT", ""),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		SweepInterval:     GetDurationEnv("SWEEP_INTERVAL", 30*time.Second),
		PollInterval:      GetDurationEnv("POLL_INTERVAL", 200*time.Millisecond),
		FetchPollInterval: GetDurationEnv("FETCH_POLL_INTERVAL", time.Second),
		FetchTimeout:      GetDurationEnv("FETCH_TIMEOUT", 0),
		EventsURL:         GetEnv("EVENTS_URL", ""),
		EventsSigningKey:  GetSecretFile(GetEnv("EVENTS_SIGNING_KEY_FILE", "")),
		CallbackURL:       GetEnv("CALLBACK_URL", ""),
	}
}
