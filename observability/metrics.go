package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sagaflow/orchestrator/saga"
)

// NewPrometheusMeterProvider builds a MeterProvider backed by the
// Prometheus exporter, which registers with the Prometheus default
// registry; it serves no HTTP /metrics endpoint itself. It is an alternative to shipping metrics through the
// same OTLP pipeline tracing uses (spec §5's "Cross-replica safety"
// section assumes external tooling scrapes per-instance state).
func NewPrometheusMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}

// OTelMetrics mirrors saga/metrics.Metrics's counters as OpenTelemetry
// instruments so they can be scraped/exported alongside traces, renamed
// from the teacher's commands/queries/events instrument names to the
// saga/step/breaker domain this module actually has. saga/metrics.Metrics
// remains the source of truth for in-process Snapshot() reads (spec
// §4.4); this type only re-exports the same events to an external
// collector.
type OTelMetrics struct {
	sagasTotal      metric.Int64Counter
	sagasCompleted  metric.Int64Counter
	sagasFailed     metric.Int64Counter
	stepsTotal      metric.Int64Counter
	stepDuration    metric.Float64Histogram
	breakerTrips    metric.Int64Counter
	rateLimitEvents metric.Int64Counter
}

func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("sagaflow-orchestrator")

	sagasTotal, err := meter.Int64Counter("sagas_total", metric.WithDescription("Total sagas started"))
	if err != nil {
		return nil, err
	}
	sagasCompleted, err := meter.Int64Counter("sagas_completed_total", metric.WithDescription("Sagas that reached COMPLETED"))
	if err != nil {
		return nil, err
	}
	sagasFailed, err := meter.Int64Counter("sagas_failed_total", metric.WithDescription("Sagas that reached FAILED"))
	if err != nil {
		return nil, err
	}
	stepsTotal, err := meter.Int64Counter("steps_total", metric.WithDescription("Total step attempts"))
	if err != nil {
		return nil, err
	}
	stepDuration, err := meter.Float64Histogram("step_duration_ms",
		metric.WithDescription("Step execution duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	breakerTrips, err := meter.Int64Counter("breaker_trips_total", metric.WithDescription("Circuit breaker OPEN transitions"))
	if err != nil {
		return nil, err
	}
	rateLimitEvents, err := meter.Int64Counter("rate_limit_exceeded_total", metric.WithDescription("Requests rejected by RateLimiter"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		sagasTotal:      sagasTotal,
		sagasCompleted:  sagasCompleted,
		sagasFailed:     sagasFailed,
		stepsTotal:      stepsTotal,
		stepDuration:    stepDuration,
		breakerTrips:    breakerTrips,
		rateLimitEvents: rateLimitEvents,
	}, nil
}

func (m *OTelMetrics) RecordSagaStarted(ctx context.Context) { m.sagasTotal.Add(ctx, 1) }

func (m *OTelMetrics) RecordSagaCompleted(ctx context.Context) { m.sagasCompleted.Add(ctx, 1) }

func (m *OTelMetrics) RecordSagaFailed(ctx context.Context) { m.sagasFailed.Add(ctx, 1) }

func (m *OTelMetrics) RecordStepExecution(ctx context.Context, stepType saga.StepType, success bool, durationMs int64) {
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step.type", string(stepType)),
		attribute.Bool("success", success),
	))
	m.stepDuration.Record(ctx, float64(durationMs), metric.WithAttributes(attribute.String("step.type", string(stepType))))
}

func (m *OTelMetrics) RecordBreakerTrip(ctx context.Context, service string) {
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

func (m *OTelMetrics) RecordRateLimitExceeded(ctx context.Context, clientID string) {
	m.rateLimitEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("client.id", clientID)))
}
