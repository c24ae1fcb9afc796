// Package observability wires the global OpenTelemetry providers: OTLP
// trace export for the per-request spans the trace recorder mirrors, and
// RED metrics over the admission pipeline. With no collector endpoint
// configured, nothing is exported and the rest of the gateway runs on
// no-op providers.
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
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"; empty disables export
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns sensible defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "arbiter",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers plus the gateway's RED
// instruments.
type Provider struct {
	cfg            *Config
	log            *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	requestCounter metric.Int64Counter
	denialCounter  metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	costCounter    metric.Float64Counter
}

// New initializes the global OTel providers. With an empty endpoint the
// globals stay no-op and New returns a provider that only counts.
func New(ctx context.Context, cfg *Config, log *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, log: log.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.log.Info("telemetry export disabled")
		return p, nil
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.log.Info("telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
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
	meter := otel.Meter("arbiter/gateway")
	var err error

	p.requestCounter, err = meter.Int64Counter("arbiter.requests.total",
		metric.WithDescription("Requests admitted to the pipeline"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.denialCounter, err = meter.Int64Counter("arbiter.denials.total",
		metric.WithDescription("Requests denied by an admission stage"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter("arbiter.errors.total",
		metric.WithDescription("Gateway or upstream failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = meter.Float64Histogram("arbiter.request.duration",
		metric.WithDescription("End-to-end request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	if err != nil {
		return err
	}
	p.costCounter, err = meter.Float64Counter("arbiter.cost.usd",
		metric.WithDescription("Committed provider spend"),
		metric.WithUnit("{usd}"))
	return err
}

// RecordRequest counts one admitted request.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDenial counts one denied request with its stable code.
func (p *Provider) RecordDenial(ctx context.Context, code string, attrs ...attribute.KeyValue) {
	if p.denialCounter != nil {
		attrs = append(attrs, attribute.String("arbiter.code", code))
		p.denialCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts a gateway or upstream failure.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		attrs = append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records end-to-end latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordCost accumulates committed spend.
func (p *Provider) RecordCost(ctx context.Context, usd float64, attrs ...attribute.KeyValue) {
	if p.costCounter != nil {
		p.costCounter.Add(ctx, usd, metric.WithAttributes(attrs...))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.log.Error("trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.log.Error("metric provider shutdown failed", "error", err)
		}
	}
	return nil
}
