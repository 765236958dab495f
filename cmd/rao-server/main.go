package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/observability"
	"github.com/signalsfoundry/rao/internal/raosvc"
)

// Config holds the server settings.
type Config struct {
	ListenAddress     string
	MetricsAddress    string
	LogLevel          string
	LogFormat         string
	MaxConcurrentRuns int
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the RAO gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("RAO_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("RAO_LOG_FORMAT", "json"), "json or text")
	flag.IntVar(&cfg.MaxConcurrentRuns, "max-concurrent-runs", 1, "optimisations executed at once")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is done.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("rao-server").With(
		observability.ModeKey.String("server"),
		observability.ListenAddressKey.String(lis.Addr().String()),
	), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewRaoCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			raosvc.RequestIDUnaryServerInterceptor(log),
			raosvc.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	raosvc.Register(server, raosvc.NewService(log,
		raosvc.WithRecorder(collector),
		raosvc.WithMaxConcurrentRuns(cfg.MaxConcurrentRuns),
	))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus(raosvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting RAO gRPC server", logging.String("addr", lis.Addr().String()))
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
	}

	log.Info(context.Background(), "shutting down RAO server")
	healthSrv.Shutdown()
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(addr string, collector *observability.RaoCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
