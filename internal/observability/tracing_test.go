package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("RAO_TRACING_ENABLED", "TRUE")
	t.Setenv("RAO_TRACING_EXPORTER", "OTLP")
	t.Setenv("RAO_TRACING_SERVICE_NAME", "")
	t.Setenv("RAO_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("RAO_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("RAO_TRACING_RESOURCE_ATTRIBUTES", "deployment.environment=test, region = cwe ,broken,=x")

	cfg := TracingConfigFromEnv("rao-server")
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.ServiceName != "rao-server" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("ratio %v endpoint %q", cfg.SampleRatio, cfg.Endpoint)
	}
	want := []attribute.KeyValue{
		attribute.String("deployment.environment", "test"),
		attribute.String("region", "cwe"),
	}
	if len(cfg.Attributes) != len(want) {
		t.Fatalf("attributes = %v, want %v", cfg.Attributes, want)
	}
	for i := range want {
		if cfg.Attributes[i] != want[i] {
			t.Fatalf("attribute %d = %v, want %v", i, cfg.Attributes[i], want[i])
		}
	}
}

func TestTracingConfigFromEnvIgnoresInvalidRatio(t *testing.T) {
	t.Setenv("RAO_TRACING_ENABLED", "")
	t.Setenv("RAO_TRACING_EXPORTER", "")
	t.Setenv("RAO_TRACING_SAMPLE_RATIO", "2")
	t.Setenv("RAO_TRACING_RESOURCE_ATTRIBUTES", "")

	cfg := TracingConfigFromEnv("rao")
	if cfg.Enabled || cfg.Exporter != "stdout" || cfg.SampleRatio != 1 || len(cfg.Attributes) != 0 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestTracingConfigWithLeavesReceiverUntouched(t *testing.T) {
	base := TracingConfig{Attributes: make([]attribute.KeyValue, 1, 4)}
	base.Attributes[0] = ModeKey.String("local")

	a := base.With(CasePathKey.String("a.json"))
	b := base.With(CasePathKey.String("b.json"))
	if len(base.Attributes) != 1 {
		t.Fatalf("receiver changed: %v", base.Attributes)
	}
	if a.Attributes[1].Value.AsString() != "a.json" || b.Attributes[1].Value.AsString() != "b.json" {
		t.Fatalf("copies share storage: %v %v", a.Attributes, b.Attributes)
	}
}

func TestTracingResourceCarriesRunAttributes(t *testing.T) {
	cfg := TracingConfig{ServiceName: "rao"}.With(ModeKey.String("server"), ListenAddressKey.String("127.0.0.1:50051"))
	res, err := cfg.Resource(context.Background())
	if err != nil {
		t.Fatalf("Resource: %v", err)
	}
	for key, want := range map[attribute.Key]string{
		"service.name":      "rao",
		"service.namespace": "rao",
		ModeKey:             "server",
		ListenAddressKey:    "127.0.0.1:50051",
	} {
		got, ok := res.Set().Value(key)
		if !ok || got.AsString() != want {
			t.Fatalf("%s = %q (%v), want %q", key, got.AsString(), ok, want)
		}
	}
	if v, ok := res.Set().Value("service.version"); !ok || v.AsString() == "" {
		t.Fatalf("service.version missing")
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}
