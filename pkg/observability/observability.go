// Package observability owns the process's telemetry: the root slog logger
// and an OpenTelemetry provider exporting traces and RED metrics over OTLP
// gRPC. With no endpoint configured the provider is inert and every hook
// degrades to a cheap no-op, so instrumented code never branches on whether
// telemetry is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "agora.kernel"

// Config configures the OpenTelemetry providers. An empty Endpoint disables
// export entirely.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns local-collector defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agora",
		ServiceVersion: "0.0.0",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages the trace and metric pipelines plus the kernel's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	dispatchTotal    metric.Int64Counter
	dispatchErrors   metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	dispatchActive   metric.Int64UpDownCounter

	llmCalls    metric.Int64Counter
	llmTokens   metric.Int64Counter
	llmCost     metric.Float64Counter
	llmDuration metric.Float64Histogram
}

// New builds the provider. With an empty endpoint nothing is exported and
// no collector connection is attempted.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}

	if config.Endpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.Endpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.Endpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initInstruments creates the RED set around dispatch plus the LLM billing
// counters.
func (p *Provider) initInstruments() error {
	var err error

	p.dispatchTotal, err = p.meter.Int64Counter("agora.dispatch.total",
		metric.WithDescription("Intents dispatched"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.dispatchErrors, err = p.meter.Int64Counter("agora.dispatch.errors",
		metric.WithDescription("Dispatches that settled as failures"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.dispatchDuration, err = p.meter.Float64Histogram("agora.dispatch.duration",
		metric.WithDescription("Dispatch latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.dispatchActive, err = p.meter.Int64UpDownCounter("agora.dispatch.active",
		metric.WithDescription("Dispatches currently in flight"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.llmCalls, err = p.meter.Int64Counter("agora.llm.calls",
		metric.WithDescription("Settled model calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	p.llmTokens, err = p.meter.Int64Counter("agora.llm.tokens",
		metric.WithDescription("Tokens billed, split by token kind"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}

	p.llmCost, err = p.meter.Float64Counter("agora.llm.cost",
		metric.WithDescription("Dollars charged against agent budgets"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return err
	}

	p.llmDuration, err = p.meter.Float64Histogram("agora.llm.duration",
		metric.WithDescription("Model call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span on the kernel tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation opens a span around a kernel operation and returns the
// finish callback: it closes the span and records the error, if any.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
