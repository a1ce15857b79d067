// Package telemetry pushes operational metrics to an external ingest
// endpoint without ever blocking the caller.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hpcorchestrator/pkg/backoff"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("telemetry buffer full, event dropped")

// Payload is the JSON body posted to the ingest endpoint.
type Payload struct {
	Source    string             `json:"source"`
	Timestamp int64              `json:"timestamp"` // unix seconds
	Metrics   map[string]float64 `json:"metrics"`
}

// Stats holds sink statistics.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64
	Dropped    int64
}

// MetricsRecorder is an optional interface for mirroring sink activity into
// the process's own metrics.
type MetricsRecorder interface {
	RecordTelemetryDelivered(ctx context.Context)
	RecordTelemetryFailed(ctx context.Context)
	RecordTelemetryDropped(ctx context.Context)
	RecordTelemetryQueueSize(ctx context.Context, size int64)
}

// Sink queues metric events in a bounded channel and delivers them from a
// worker pool. A full buffer drops the event.
type Sink struct {
	queue   chan Payload
	client  *http.Client
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a sink and starts its workers. When cfg has no endpoint or no
// token the sink accepts events and discards them.
func New(cfg Config, metrics MetricsRecorder) *Sink {
	cfg = cfg.withDefaults()

	s := &Sink{
		queue:    make(chan Payload, cfg.BufferSize),
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		config:   cfg,
		logger:   slog.With("component", "telemetry"),
		metrics:  metrics,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}

	if !cfg.Enabled() {
		s.logger.Info("Telemetry push disabled, endpoint or token not configured")
		return s
	}

	s.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go s.worker()
	}
	if metrics != nil {
		go s.reportQueueSize()
	}

	s.logger.Info("Telemetry sink started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return s
}

// Push queues metrics for delivery. It never blocks.
func (s *Sink) Push(metrics map[string]float64) error {
	if !s.config.Enabled() || len(metrics) == 0 {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("telemetry sink is closed")
	}

	p := Payload{
		Source:    s.config.Source,
		Timestamp: s.now().Unix(),
		Metrics:   maps.Clone(metrics),
	}
	select {
	case s.queue <- p:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordTelemetryDropped(context.Background())
		}
		s.logger.Warn("Telemetry event dropped, buffer full", "metrics", len(metrics))
		return ErrBufferFull
	}
}

// Stats returns current sink statistics.
func (s *Sink) Stats() Stats {
	return Stats{
		QueueDepth: len(s.queue),
		Queued:     s.queued.Load(),
		Delivered:  s.delivered.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Close stops accepting events and delivers what is queued. The context
// deadline bounds the drain.
func (s *Sink) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Telemetry sink shutdown complete",
			"delivered", s.delivered.Load(),
			"failed", s.failed.Load(),
			"dropped", s.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		s.logger.Warn("Telemetry sink shutdown timed out", "remaining", len(s.queue))
		return ctx.Err()
	}
}

func (s *Sink) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.metrics.RecordTelemetryQueueSize(context.Background(), int64(len(s.queue)))
		}
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			s.drainQueue()
			return
		case p := <-s.queue:
			s.deliver(p)
		}
	}
}

func (s *Sink) drainQueue() {
	for {
		select {
		case p := <-s.queue:
			s.deliver(p)
		default:
			return
		}
	}
}

func (s *Sink) deliver(p Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*s.config.HTTPTimeout)
	defer cancel()

	if err := s.sendWithRetry(ctx, p); err != nil {
		s.failed.Add(1)
		if s.metrics != nil {
			s.metrics.RecordTelemetryFailed(ctx)
		}
		s.logger.Warn("Telemetry delivery failed", "error", err)
		return
	}
	s.delivered.Add(1)
	if s.metrics != nil {
		s.metrics.RecordTelemetryDelivered(ctx)
	}
}

func (s *Sink) sendWithRetry(ctx context.Context, p Payload) error {
	cfg := &backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff}
	retryable := func(err error) bool { return !isClientError(err) }
	return backoff.Retry(ctx, defaultMaxRetries+1, cfg, retryable, func(ctx context.Context) error {
		return s.send(ctx, p)
	})
}

func (s *Sink) send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

// HTTPError represents a non-2xx ingest response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// isClientError returns true for 4xx responses, which are not retried.
func isClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
