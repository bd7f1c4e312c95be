// Package observability carries the ambient OpenTelemetry tracing and
// metrics export the spec's Non-goals exclude a dashboard for but never
// exclude as an ambient concern (SPEC_FULL.md "Ambient stack"). It is
// adapted from the teacher's framework/observability/tracing.go
// TracingManager and framework/metrics/metrics.go Metrics — trimmed to
// the exporters the pack actually wires (otlp/stdout) and renamed from
// command/query span and instrument names to saga/step/breaker ones,
// layered over (not replacing) saga/metrics.Metrics's lock-free counters.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig selects the exporter and sampling rate.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       string // "otlp" or "stdout"
	OTLPEndpoint   string
	SamplingRate   float64
	Environment    string
}

// TracingManager owns the process-wide TracerProvider.
type TracingManager struct {
	cfg      TracingConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

func NewTracingManager(ctx context.Context, cfg TracingConfig) (*TracingManager, error) {
	if !cfg.Enabled {
		return &TracingManager{cfg: cfg, tracer: trace.NewNoopTracerProvider().Tracer("noop")}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	if cfg.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SamplingRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{cfg: cfg, tracer: tp.Tracer(cfg.ServiceName), provider: tp}, nil
}

func createExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
}

// StartSagaSpan opens a span around one saga advancement.
func (t *TracingManager) StartSagaSpan(ctx context.Context, sagaID, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "saga.advance",
		trace.WithAttributes(attribute.String("saga.id", sagaID), attribute.String("saga.name", name)))
}

// StartStepSpan opens a span around one step execution attempt.
func (t *TracingManager) StartStepSpan(ctx context.Context, sagaID, stepID, stepType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "saga.step.execute",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
			attribute.String("step.id", stepID),
			attribute.String("step.type", stepType),
		))
}

// Shutdown flushes and stops the trace provider.
func (t *TracingManager) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
