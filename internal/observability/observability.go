// Package observability wires OpenTelemetry tracing and RED metrics for
// asyncgated. Adapted from pkg/observability/observability.go, trimmed
// to three instruments (claim latency, lease-expiry count, obligation
// backlog size) instead of the teacher's generic
// request/error/duration trio — spec.md's cost/quota non-goal excludes
// billing-grade accounting, not this kind of operational telemetry.
// Only claim latency is recorded outside tests, by the HTTP facade's
// claim handler; nothing calls RecordLeaseExpiry or SetObligationBacklog.
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
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-dev defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "asyncgate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace/meter providers and the engine's metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	claimLatency     metric.Float64Histogram
	leaseExpiryCount metric.Int64Counter
	obligationBacklog metric.Int64UpDownCounter
}

// New creates a Provider. When config.Enabled is false it returns a
// no-op Provider whose Record* methods are safe to call but do nothing.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger.With("component", "observability")}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("asyncgate", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("asyncgate", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "environment", config.Environment, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.claimLatency, err = p.meter.Float64Histogram("asyncgate.claim.latency",
		metric.WithDescription("Duration of a claim call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	p.leaseExpiryCount, err = p.meter.Int64Counter("asyncgate.lease.expired",
		metric.WithDescription("Leases reclaimed by the sweeper"),
		metric.WithUnit("{lease}"),
	)
	if err != nil {
		return err
	}
	p.obligationBacklog, err = p.meter.Int64UpDownCounter("asyncgate.obligation.backlog",
		metric.WithDescription("Open obligations observed at last query"),
		metric.WithUnit("{obligation}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("asyncgate")
	}
	return p.tracer
}

// StartSpan starts a span, a no-op span if observability is disabled.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordClaimLatency records how long a claim call took.
func (p *Provider) RecordClaimLatency(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.claimLatency != nil {
		p.claimLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordLeaseExpiry increments the sweeper's reclaimed-lease counter.
func (p *Provider) RecordLeaseExpiry(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.leaseExpiryCount != nil {
		p.leaseExpiryCount.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// SetObligationBacklog reports the backlog size seen by the last
// list_open_obligations call for a given addressee.
func (p *Provider) SetObligationBacklog(ctx context.Context, delta int64, attrs ...attribute.KeyValue) {
	if p.obligationBacklog != nil {
		p.obligationBacklog.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}
