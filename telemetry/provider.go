package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// Export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// ProviderConfig selects where spans are exported. Empty Endpoint and
// ServiceName fall back to OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_SERVICE_NAME.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Protocol       string
	Insecure       bool
	Headers        map[string]string

	// Debug adds argument signatures and error text to spans.
	Debug bool

	// SampleRatio is the fraction of root spans sampled. Zero samples
	// everything.
	SampleRatio float64

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

func (c ProviderConfig) resolve() (ProviderConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.Endpoint == "" {
		return c, buserr.InvalidArgument("no trace endpoint: set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	for _, scheme := range []string{"http://", "https://"} {
		c.Endpoint = strings.TrimPrefix(c.Endpoint, scheme)
	}
	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = "peerbus"
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolGRPC
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return c, buserr.InvalidArgument("trace protocol " + c.Protocol + " is not grpc or http")
	}
	return c, nil
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider exports spans over OTLP, installs the provider and the
// W3C propagators globally, and sets the global Tracer. Call Shutdown to
// flush.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidArgument, "trace resource")
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidArgument, "trace exporter for "+cfg.Endpoint)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

func newExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampler follows the caller's decision so a traced method call keeps
// its handler spans.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns the tracer bound to this provider.
func (p *Provider) Tracer() *Tracer { return p.tracer }

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports pending spans without stopping.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
