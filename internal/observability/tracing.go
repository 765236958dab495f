package observability

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/rao/internal/logging"
)

// Resource attributes describing how the binary optimises.
const (
	ModeKey          = attribute.Key("rao.mode")
	CasePathKey      = attribute.Key("rao.case.path")
	ListenAddressKey = attribute.Key("rao.listen_address")
)

const defaultOTLPEndpoint = "localhost:4317"

// TracingConfig governs how tracing of RAO runs is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
	// Attributes are added to the resource of every span.
	Attributes []attribute.KeyValue
}

// TracingConfigFromEnv reads the RAO_TRACING_* variables. defaultService
// names the binary when RAO_TRACING_SERVICE_NAME is unset.
// RAO_TRACING_RESOURCE_ATTRIBUTES holds comma separated key=value pairs.
func TracingConfigFromEnv(defaultService string) TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("RAO_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("RAO_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("RAO_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("RAO_OTLP_ENDPOINT"),
		SampleRatio: 1,
		Attributes:  parseAttributes(os.Getenv("RAO_TRACING_RESOURCE_ATTRIBUTES")),
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultService
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if raw := os.Getenv("RAO_TRACING_SAMPLE_RATIO"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.SampleRatio = ratio
		}
	}
	return cfg
}

func parseAttributes(raw string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}

// With returns a copy of c whose resource also carries attrs.
func (c TracingConfig) With(attrs ...attribute.KeyValue) TracingConfig {
	merged := make([]attribute.KeyValue, 0, len(c.Attributes)+len(attrs))
	c.Attributes = append(append(merged, c.Attributes...), attrs...)
	return c
}

// Resource describes the process emitting the spans: service identity,
// build version, host and the configured attributes.
func (c TracingConfig) Resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.namespace", "rao"),
		attribute.String("service.version", buildVersion()),
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(append(attrs, c.Attributes...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "unknown"
}

// InitTracing installs the global tracer provider used by the optimisation
// spans. It returns a shutdown function flushing pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	log = logging.OrNoop(log)
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
		logging.Int("resource_attributes", len(cfg.Attributes)),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		// stdout carries the result document of the CLI.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes the spans of a run within five seconds. A
// failed flush is only logged.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logging.OrNoop(log).Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
