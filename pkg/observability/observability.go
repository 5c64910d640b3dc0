// Package observability provides the fabric's OpenTelemetry providers and
// RED metrics: admission rate, rejections by fault kind, execution duration,
// and dispatcher queue depth. When no OTLP endpoint is configured the
// provider is a clean no-op.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty disables export
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
	Logger         *slog.Logger
}

// Provider manages trace and metric providers and the fabric's RED
// instruments. The zero-value-ish provider returned for an empty endpoint
// records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	admissions   metric.Int64Counter
	rejections   metric.Int64Counter
	durationHist metric.Float64Histogram
}

// New builds a provider. An empty OTLPEndpoint yields a disabled provider;
// a configured endpoint that cannot be set up is a startup error.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fabric"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource failed: %w", err)
	}

	if err := p.initTraces(ctx, cfg, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, cfg, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("loomworks.fabric",
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("loomworks.fabric",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter failed: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter failed: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.admissions, err = p.meter.Int64Counter("fabric.admissions.total",
		metric.WithDescription("Intents admitted"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}
	p.rejections, err = p.meter.Int64Counter("fabric.admissions.rejected",
		metric.WithDescription("Admission failures by fault kind"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("fabric.execution.duration",
		metric.WithDescription("Execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	return err
}

// ObserveQueueDepth registers a gauge fed by the dispatcher's queue depth.
func (p *Provider) ObserveQueueDepth(depth func() int) error {
	if p.meter == nil {
		return nil
	}
	gauge, err := p.meter.Int64ObservableGauge("fabric.queue.depth",
		metric.WithDescription("Queued executions across all tenants"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
	return err
}

// RecordAdmission counts one admitted intent.
func (p *Provider) RecordAdmission(ctx context.Context, tenantID, intentType string) {
	if p.admissions == nil {
		return
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("intent_type", intentType),
	))
}

// RecordRejection counts one admission failure.
func (p *Provider) RecordRejection(ctx context.Context, kind string) {
	if p.rejections == nil {
		return
	}
	p.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fault_kind", kind),
	))
}

// RecordExecution records a terminal execution.
func (p *Provider) RecordExecution(ctx context.Context, intentType, status string, d time.Duration) {
	if p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("intent_type", intentType),
		attribute.String("status", status),
	))
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("loomworks.fabric")
	}
	return p.tracer
}

// StartSpan starts a span on the fabric tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
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
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
