package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the orchestrator's instruments, grouped by the stage that
// records them. All Record methods are safe on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Ops HTTP surface
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Intake and dispatch
	IntakeMessages   metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	DispatchErrors   metric.Int64Counter

	// Reconciliation
	ReconcileDuration metric.Float64Histogram
	StatusPolls       metric.Int64Counter
	JobTransitions    metric.Int64Counter
	JobsOpen          metric.Int64Gauge

	// Collection
	CollectDuration    metric.Float64Histogram
	ArtifactsCollected metric.Int64Counter

	// Telemetry sink
	TelemetryDelivered metric.Int64Counter
	TelemetryFailed    metric.Int64Counter
	TelemetryDropped   metric.Int64Counter
	TelemetryQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("hpcorchestrator")
	m := &Metrics{meter: meter}
	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.IntakeMessages = b.counter("intake_messages_total", "Queue messages processed, by outcome")
	m.DispatchDuration = b.histogram("dispatch_duration_seconds", "Transfer plus trigger latency in seconds",
		0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)
	m.DispatchErrors = b.counter("dispatch_errors_total", "Failed dispatch attempts, by step")

	m.ReconcileDuration = b.histogram("reconcile_round_duration_seconds", "Duration of one reconciliation round",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120)
	m.StatusPolls = b.counter("status_polls_total", "Remote status polls, by observed state")
	m.JobTransitions = b.counter("job_transitions_total", "Ledger state transitions, by target state")
	m.JobsOpen = b.gauge("jobs_open", "Jobs in submitted or running state at the last round (saturation)")

	m.CollectDuration = b.histogram("collect_duration_seconds", "Result collection latency in seconds",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300)
	m.ArtifactsCollected = b.counter("artifacts_collected_total", "Result files copied into the blob store")

	m.TelemetryDelivered = b.counter("telemetry_delivered_total", "Telemetry batches delivered")
	m.TelemetryFailed = b.counter("telemetry_failed_total", "Telemetry batches that failed delivery")
	m.TelemetryDropped = b.counter("telemetry_dropped_total", "Telemetry events dropped because the queue was full")
	m.TelemetryQueueSize = b.gauge("telemetry_queue_size", "Pending telemetry events (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// builder keeps the first instrument creation error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = err
	}
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordIntake records one processed queue message.
func (m *Metrics) RecordIntake(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.IntakeMessages.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordDispatch records one dispatch attempt. step is empty on success.
func (m *Metrics) RecordDispatch(ctx context.Context, step string, durationSeconds float64) {
	if m == nil {
		return
	}
	success := step == ""
	m.DispatchDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if !success {
		m.DispatchErrors.Add(ctx, 1, metric.WithAttributes(stepAttr(step)))
	}
}

// RecordReconcileRound records a finished round and the open-job count it saw.
func (m *Metrics) RecordReconcileRound(ctx context.Context, open int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Record(ctx, durationSeconds)
	m.JobsOpen.Record(ctx, int64(open))
}

// RecordStatusPoll records one status observation.
func (m *Metrics) RecordStatusPoll(ctx context.Context, remoteState string) {
	if m == nil {
		return
	}
	m.StatusPolls.Add(ctx, 1, metric.WithAttributes(remoteStateAttr(remoteState)))
}

// RecordTransition records a ledger state change.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(to)))
}

// RecordCollect records a collection attempt.
func (m *Metrics) RecordCollect(ctx context.Context, artifacts int, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CollectDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if artifacts > 0 {
		m.ArtifactsCollected.Add(ctx, int64(artifacts))
	}
}

// RecordTelemetryDelivered records a delivered telemetry batch.
func (m *Metrics) RecordTelemetryDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.TelemetryDelivered.Add(ctx, 1)
}

// RecordTelemetryFailed records a telemetry batch that could not be delivered.
func (m *Metrics) RecordTelemetryFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.TelemetryFailed.Add(ctx, 1)
}

// RecordTelemetryDropped records an event dropped at enqueue.
func (m *Metrics) RecordTelemetryDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.TelemetryDropped.Add(ctx, 1)
}

// RecordTelemetryQueueSize records the current queue depth.
func (m *Metrics) RecordTelemetryQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.TelemetryQueueSize.Record(ctx, size)
}
