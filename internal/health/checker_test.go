package health

import (
	"context"
	"errors"
	"hpcorchestrator/internal/ledger"
	"hpcorchestrator/pkg/circuitbreaker"
	"testing"
	"time"
)

type downLedger struct{}

func (downLedger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type breakerSource struct{ b *circuitbreaker.Breaker }

func (s breakerSource) Breaker() *circuitbreaker.Breaker { return s.b }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoLedger(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	ledgerCheck, ok := response.Checks["ledger"]
	if !ok {
		t.Fatal("Expected ledger check to be present")
	}
	if ledgerCheck.Status != StatusUnhealthy {
		t.Errorf("Expected ledger check to be unhealthy, got %s", ledgerCheck.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	open := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour})
	open.RecordFailure()

	tests := []struct {
		name    string
		ledger  ReadinessChecker
		cluster BreakerSource
		want    Status
		ready   bool
	}{
		{"ledger only", ledger.NewMemory(), nil, StatusHealthy, true},
		{"breaker closed", ledger.NewMemory(), breakerSource{circuitbreaker.New(circuitbreaker.DefaultConfig())}, StatusHealthy, true},
		{"breaker open", ledger.NewMemory(), breakerSource{open}, StatusDegraded, true},
		{"ledger down", downLedger{}, breakerSource{open}, StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.ledger, tt.cluster).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s (checks %+v)", response.Status, tt.want, response.Checks)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
		})
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(ledger.NewMemory(), nil)

	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("Expected healthy before shutdown")
	}
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
