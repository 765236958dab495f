package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/observability"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/raosvc"
	"github.com/signalsfoundry/rao/internal/testcase"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestExecuteLocal(t *testing.T) {
	opts := options{
		casePath:   writeFile(t, "case.json", testcase.Raw(t, testcase.TwoZone)),
		paramsPath: writeFile(t, "params.yaml", []byte("objective-function:\n  preventive-stop-criterion: MIN_OBJECTIVE\n")),
	}
	var out bytes.Buffer
	res, err := execute(context.Background(), opts, &out, logging.Noop())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != raoresult.Default {
		t.Fatalf("status = %s, want DEFAULT", res.Status)
	}

	var printed raoresult.Result
	if err := json.Unmarshal(out.Bytes(), &printed); err != nil {
		t.Fatalf("output is not a result document: %v", err)
	}
	if got := printed.ActivatedNetworkActions("preventive"); len(got) != 1 || got[0] != "open-line-be" {
		t.Fatalf("printed preventive network actions = %v, want [open-line-be]", got)
	}
}

func TestExecuteRemote(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	srv := grpc.NewServer()
	raosvc.Register(srv, raosvc.NewService(nil))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	opts := options{
		casePath:   writeFile(t, "case.json", testcase.Raw(t, testcase.SinglePst)),
		paramsPath: writeFile(t, "params.yaml", []byte("objective-function:\n  preventive-stop-criterion: MIN_OBJECTIVE\n")),
		server:     lis.Addr().String(),
	}
	var out bytes.Buffer
	res, err := execute(context.Background(), opts, &out, logging.Noop())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tap, ok := res.OptimizedTap("preventive", "pst"); !ok || tap != -5 {
		t.Fatalf("tap = %d (%v), want -5", tap, ok)
	}
}

func TestExecuteRequiresCase(t *testing.T) {
	if _, err := execute(context.Background(), options{}, &bytes.Buffer{}, logging.Noop()); err == nil {
		t.Fatalf("expected an error without -case")
	}
}

func resourceValue(cfg observability.TracingConfig, key attribute.Key) string {
	for _, kv := range cfg.Attributes {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestTracingConfigDescribesTheRun(t *testing.T) {
	remote := tracingConfig(options{casePath: "case.json", server: "localhost:50051"})
	if got := resourceValue(remote, observability.ModeKey); got != "remote" {
		t.Fatalf("mode = %q, want remote", got)
	}
	if got := resourceValue(remote, observability.CasePathKey); got != "case.json" {
		t.Fatalf("case path = %q, want case.json", got)
	}
	if got := resourceValue(tracingConfig(options{casePath: "case.json"}), observability.ModeKey); got != "local" {
		t.Fatalf("mode = %q, want local", got)
	}
}
