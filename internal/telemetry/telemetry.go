package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/chubes4/data-machine/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures telemetry initialization.
type Options struct {
	ServiceName    string
	ServiceVersion string
}

// Telemetry owns the tracer provider and the prometheus registry served on
// /metrics.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	meter    otelmetric.Meter
	registry *prometheus.Registry
	metrics  *Metrics
}

// Setup initializes tracing and metrics for a service. With telemetry
// disabled the tracer and meter come from the global (noop) providers while
// prometheus metrics are still collected.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts Options) (*Telemetry, error) {
	name := opts.ServiceName
	if name == "" {
		name = cfg.ServiceName
	}
	if name == "" {
		name = "datamachine"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := NewMetrics(registry)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{registry: registry, metrics: metrics}

	if !cfg.Enabled {
		t.tracer = otel.Tracer(name)
		t.meter = otel.Meter(name)
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			attribute.String("service.namespace", "datamachine"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource init: %w", err)
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp init: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.tp = tp
	t.tracer = tp.Tracer(name)
	t.meter = otel.Meter(name)
	return t, nil
}

// Tracer returns the service tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Meter returns the service meter used by stream and worker counters.
func (t *Telemetry) Meter() otelmetric.Meter { return t.meter }

// Metrics returns the prometheus collectors for jobs, steps and tools.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// Registry returns the prometheus registry.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Handler serves the registry in the prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tp == nil {
		return nil
	}
	if err := t.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace shutdown: %w", err)
	}
	return nil
}
