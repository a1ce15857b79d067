package telemetry

import (
	"hpcorchestrator/internal/config"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries     = 2
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// Config holds configuration for the telemetry sink.
type Config struct {
	Endpoint    string        // ingest URL; empty disables delivery
	Token       string        // bearer token; empty disables delivery
	Source      string        // default: orchestrator
	BufferSize  int           // pending events (default: 1000)
	Workers     int           // concurrent senders (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 5s)
}

// LoadConfigFromEnv loads telemetry configuration from environment variables.
// The token is read from TELEMETRY_TOKEN_FILE when set.
func LoadConfigFromEnv() Config {
	token := config.GetSecret("TELEMETRY_TOKEN")
	cfg := Config{
		Endpoint:    config.GetEnv("TELEMETRY_ENDPOINT", ""),
		Token:       token,
		Source:      config.GetEnv("TELEMETRY_SOURCE", "orchestrator"),
		BufferSize:  config.GetIntEnv("TELEMETRY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("TELEMETRY_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("TELEMETRY_HTTP_TIMEOUT", 5*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "orchestrator"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	return c
}

// Enabled reports whether events will be delivered anywhere.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Token != ""
}
