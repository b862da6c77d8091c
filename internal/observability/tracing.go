package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the tracer name used by gateway components.
const TracerName = "awgw"

// TraceConfig holds configuration for the tracing provider.
type TraceConfig struct {
	// Enabled controls whether spans are exported at all.
	Enabled bool

	// ServiceName is the name of the service.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., production, staging).
	Environment string

	// Endpoint is the OTLP collector endpoint.
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// BatchTimeout is the maximum time to wait before exporting a batch.
	BatchTimeout time.Duration
}

// DefaultTraceConfig returns a TraceConfig with default values.
func DefaultTraceConfig() *TraceConfig {
	return &TraceConfig{
		Enabled:        false,
		ServiceName:    "awgw",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TraceProvider manages the OpenTelemetry trace provider lifecycle.
type TraceProvider struct {
	config         *TraceConfig
	tracerProvider *sdktrace.TracerProvider
	logger         Logger
}

// NewTraceProvider creates a new tracing provider and registers it globally.
func NewTraceProvider(ctx context.Context, config *TraceConfig, logger Logger) (*TraceProvider, error) {
	if config == nil {
		config = DefaultTraceConfig()
	}
	if logger == nil {
		logger = NopLogger()
	}

	p := &TraceProvider{
		config: config,
		logger: logger,
	}

	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)

	otel.SetTracerProvider(p.tracerProvider)

	logger.Info("tracing provider initialized",
		String("endpoint", config.Endpoint),
		Float64("sample_rate", config.SampleRate),
	)

	return p, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *TraceProvider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// Tracer returns the gateway tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span with the gateway tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}
