// Package tracing sets up OpenTelemetry spans for callers that wrap
// engine calls in them, exported via whichever backend the operator
// configures: OTLP/HTTP, Jaeger, or Zipkin. The engine package starts no
// spans itself; cmd/absurd-worker wraps claim_task and each claimed
// run's handling.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects the trace backend a worker reports spans to.
type Exporter string

const (
	ExporterNone   Exporter = ""
	ExporterOTLP   Exporter = "otlp"
	ExporterJaeger Exporter = "jaeger"
	ExporterZipkin Exporter = "zipkin"
)

// Config configures Setup.
type Config struct {
	Exporter    Exporter
	Endpoint    string
	ServiceName string
}

// Setup builds a tracer provider for the configured exporter, installs
// it as the global provider, and returns a shutdown func. An empty
// Exporter yields a no-op provider (otel's default), useful for tests
// and CLI one-shots that shouldn't pay exporter setup cost.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Exporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceNameOrDefault(cfg.ServiceName)),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case ExporterOTLP:
		spanExporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint))
	case ExporterJaeger:
		spanExporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case ExporterZipkin:
		spanExporter, err = zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: new %s exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "absurd-worker"
	}
	return name
}

// Tracer is the tracer StartSpan creates its spans with.
func Tracer() trace.Tracer {
	return otel.Tracer("absurd/internal/engine")
}

// StartSpan starts a span named operation, returning the derived
// context and a finisher the caller defers.
func StartSpan(ctx context.Context, operation string) (context.Context, func()) {
	ctx, span := Tracer().Start(ctx, operation)
	return ctx, func() { span.End() }
}
