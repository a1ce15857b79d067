// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the orchestrator process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Upper bound for draining workers and servers

	LedgerDSN     string // empty selects the in-memory ledger
	LedgerMigrate bool   // create the jobs table on startup

	// Roles let intake and reconciliation scale separately.
	RunIntake     bool
	RunReconciler bool
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LedgerDSN:         GetSecret("LEDGER_DSN"),
		LedgerMigrate:     GetBoolEnv("LEDGER_MIGRATE", true),
		RunIntake:         GetBoolEnv("ENABLE_INTAKE", true),
		RunReconciler:     GetBoolEnv("ENABLE_RECONCILER", true),
	}
}
