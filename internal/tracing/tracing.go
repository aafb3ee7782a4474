// Package tracing constructs the OpenTelemetry tracer provider archdrop
// wraps each chunk request in, feeding span/trace IDs to
// internal/metrics's Prometheus exemplar support (metrics.go's
// getExemplar reads them straight off the request context via
// go.opentelemetry.io/otel/trace).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/MattFrayser/archdrop/internal/config"
)

// Provider wraps the constructed TracerProvider and its shutdown hook.
type Provider struct {
	tp trace.TracerProvider

	shutdown func(context.Context) error
}

// Tracer returns a Tracer for the given instrumentation name.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// Shutdown flushes and stops the exporter. Safe to call on a no-op
// Provider (when tracing is disabled).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// New builds a Provider from cfg. When cfg.Enabled is false, it returns a
// Provider backed by the global no-op TracerProvider so callers never need
// to nil-check.
func New(cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tp: otel.GetTracerProvider()}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "archdrop"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

func newExporter(cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "jaeger":
		endpoint := cfg.JaegerURL
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}
