package main

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/raosvc"
	"github.com/signalsfoundry/rao/internal/testcase"
)

func TestRaoServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := Config{
		ListenAddress:     lis.Addr().String(),
		LogLevel:          "warn",
		LogFormat:         "text",
		MaxConcurrentRuns: 2,
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(cfg.ListenAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: raosvc.ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", hc.GetStatus())
	}

	req, err := raosvc.NewRequest(testcase.Raw(t, testcase.SinglePst), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := raosvc.NewClient(conn).Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := raosvc.DecodeResult(resp)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if res.Status != raoresult.Default {
		t.Fatalf("status = %s, want DEFAULT", res.Status)
	}

	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
