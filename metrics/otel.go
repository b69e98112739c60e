package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/infigaming-com/go-eventhubs"

// OTelRecorder records connection-layer events as OpenTelemetry instruments.
type OTelRecorder struct {
	opened      metric.Int64Counter
	failed      metric.Int64Counter
	invalidated metric.Int64Counter
	generation  metric.Int64Gauge
	links       metric.Int64Counter
	retries     metric.Int64Counter
}

var _ Recorder = (*OTelRecorder)(nil)

// NewOTelRecorder creates the instruments on meter. A nil meter uses the
// global meter provider.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &OTelRecorder{}
	var err error
	if r.opened, err = meter.Int64Counter("eventhubs.connection.opened",
		metric.WithDescription("Connections opened by the connection guard"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.failed, err = meter.Int64Counter("eventhubs.connection.failed",
		metric.WithDescription("Connection attempts that failed after retries"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.invalidated, err = meter.Int64Counter("eventhubs.connection.invalidated",
		metric.WithDescription("Connections invalidated after a transport failure"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.generation, err = meter.Int64Gauge("eventhubs.connection.generation",
		metric.WithDescription("Current connection generation")); err != nil {
		return nil, fmt.Errorf("failed to create gauge: %w", err)
	}
	if r.links, err = meter.Int64Counter("eventhubs.link.created",
		metric.WithDescription("Links attached by recoverable clients"),
		metric.WithUnit("{link}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.retries, err = meter.Int64Counter("eventhubs.retries",
		metric.WithDescription("Retries scheduled by the retry executor"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return r, nil
}

func (r *OTelRecorder) OnConnectionOpened(ctx context.Context, endpoint string, generation uint64) {
	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint))
	r.opened.Add(ctx, 1, attrs)
	r.generation.Record(ctx, int64(generation), attrs)
}

func (r *OTelRecorder) OnConnectionFailed(ctx context.Context, endpoint string, _ error) {
	r.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (r *OTelRecorder) OnConnectionInvalidated(ctx context.Context, endpoint string, _ uint64) {
	r.invalidated.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (r *OTelRecorder) OnLinkCreated(ctx context.Context, kind string, _ uint64) {
	r.links.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *OTelRecorder) OnRetry(ctx context.Context, operation string, _ int, _ error) {
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// ExporterOption configures NewMeterProvider.
type ExporterOption func(*exporterConfig)

type exporterConfig struct {
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
}

// WithServiceName sets the service name
func WithServiceName(name string) ExporterOption {
	return func(c *exporterConfig) {
		c.serviceName = name
	}
}

// WithServiceNamespace sets the service namespace
func WithServiceNamespace(namespace string) ExporterOption {
	return func(c *exporterConfig) {
		c.serviceNamespace = namespace
	}
}

// WithServiceVersion sets the service version
func WithServiceVersion(version string) ExporterOption {
	return func(c *exporterConfig) {
		c.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) ExporterOption {
	return func(c *exporterConfig) {
		c.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It takes precedence over
// the HTTP endpoint.
func WithOTLPGRPCEndpoint(endpoint string) ExporterOption {
	return func(c *exporterConfig) {
		c.otlpGRPCEndpoint = endpoint
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) ExporterOption {
	return func(c *exporterConfig) {
		c.environment = env
	}
}

// WithExportInterval sets the periodic reader interval. Default: 10s.
func WithExportInterval(d time.Duration) ExporterOption {
	return func(c *exporterConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

func defaultExporterConfig() *exporterConfig {
	return &exporterConfig{
		serviceName:      "eventhubs-client",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
	}
}

// NewMeterProvider builds an OTLP-exporting meter provider and installs it as
// the global provider. The returned func shuts it down.
func NewMeterProvider(ctx context.Context, opts ...ExporterOption) (*sdkmetric.MeterProvider, func(), error) {
	cfg := defaultExporterConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.otlpGRPCEndpoint == "" && cfg.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceNamespace(cfg.serviceNamespace),
			semconv.ServiceVersion(cfg.serviceVersion),
			semconv.DeploymentEnvironment(cfg.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if cfg.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.interval),
		)),
	)
	otel.SetMeterProvider(provider)

	return provider, func() {
		_ = provider.Shutdown(context.Background())
	}, nil
}
