// Package observability sets up OpenTelemetry tracing and metrics and
// records engine and block metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const scope = "github.com/JuliaMoon1/gear"

// Config configures telemetry export. Disabled telemetry keeps the global
// no-op providers.
type Config struct {
	Enabled        bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" toml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" toml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" toml:"environment" json:"environment"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" json:"otlp_endpoint"` // gRPC host:port
	SampleRate     float64 `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Insecure       bool    `yaml:"insecure" toml:"insecure" json:"insecure"`

	BatchTimeout   time.Duration `yaml:"batch_timeout" toml:"batch_timeout" json:"batch_timeout"`
	MetricInterval time.Duration `yaml:"metric_interval" toml:"metric_interval" json:"metric_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gear",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider owns the SDK providers and the operation (RED) instruments.
type Provider struct {
	tracer    trace.Tracer
	meter     metric.Meter
	shutdowns []func(context.Context) error

	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
}

// New starts exporting when cfg.Enabled and installs the providers
// globally.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	p := &Provider{tracer: otel.Tracer(scope), meter: otel.Meter(scope)}

	if cfg.Enabled {
		res, err := newResource(cfg)
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("observability: tracing: %w", err)
		}
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("observability: metrics: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

		p.tracer = tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
		p.meter = mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		p.shutdowns = append(p.shutdowns, tp.Shutdown, mp.Shutdown)
		logger.InfoContext(ctx, "telemetry export started",
			"service", cfg.ServiceName,
			"endpoint", cfg.OTLPEndpoint,
			"sample_rate", cfg.SampleRate,
		)
	} else {
		logger.DebugContext(ctx, "telemetry export disabled")
	}

	if err := p.operationInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

func newResource(cfg *Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	// Ratios outside [0,1] behave as never or always.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
	), nil
}

func (p *Provider) operationInstruments() (err error) {
	if p.started, err = p.meter.Int64Counter("gear.operations.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.failed, err = p.meter.Int64Counter("gear.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	p.duration, err = p.meter.Float64Histogram("gear.operation.duration",
		metric.WithDescription("Wall time of an operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30))
	return err
}

// Shutdown flushes pending telemetry. Every provider is shut down even when
// an earlier one fails.
func (p *Provider) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation opens a span named name and counts the operation. Call
// the returned function with the operation's error when it ends.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)
	p.started.Add(ctx, 1, set)

	return ctx, func(err error) {
		defer span.End()
		p.duration.Record(ctx, time.Since(begin).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.failed.Add(ctx, 1, set)
		}
	}
}
