// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"hpcorchestrator/pkg/circuitbreaker"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that must be reachable
// before the service takes traffic. The job ledger is one.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// BreakerSource exposes the state of the breaker guarding the cluster.
type BreakerSource interface {
	Breaker() *circuitbreaker.Breaker
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	ledger  ReadinessChecker
	cluster BreakerSource
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker. cluster may be nil when the
// process does not talk to the cluster.
func NewChecker(ledger ReadinessChecker, cluster BreakerSource) *Checker {
	return &Checker{
		ledger:  ledger,
		cluster: cluster,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// An unreachable ledger makes the service unhealthy. An open cluster
// breaker only degrades it: intake keeps accepting and redelivers later.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Avoid pinging the ledger on every probe
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := map[string]CheckResult{"ledger": c.checkLedger(ctx)}
	overallStatus := StatusHealthy
	if checks["ledger"].Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}
	if c.cluster != nil {
		checks["cluster"] = c.checkCluster()
		if checks["cluster"].Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkLedger(ctx context.Context) CheckResult {
	if c.ledger == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "ledger not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ledger.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

func (c *Checker) checkCluster() CheckResult {
	snap := c.cluster.Breaker().Snapshot()
	switch snap.State {
	case circuitbreaker.Closed:
		return CheckResult{Status: StatusHealthy}
	case circuitbreaker.HalfOpen:
		return CheckResult{Status: StatusDegraded, Message: "cluster breaker probing"}
	default:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("cluster breaker open since %s after %d failures", snap.OpenedAt.UTC().Format(time.RFC3339), snap.Failures),
		}
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether the service should receive traffic. A degraded
// service still does.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
