package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RaoCollector bundles the Prometheus metrics of the RAO service: the gRPC
// surface and the optimisation engine. It implements the recorders of the
// linear optimiser and the search tree.
type RaoCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Solves              *prometheus.CounterVec
	SolveDuration       prometheus.Histogram
	LinearOptimizations *prometheus.CounterVec
	LinearIterations    prometheus.Histogram
	Leaves              *prometheus.CounterVec
	SearchDepth         prometheus.Gauge
	PerimeterDuration   *prometheus.HistogramVec
	Runs                *prometheus.CounterVec
	RunCost             prometheus.Gauge
	LiveVariants        prometheus.Gauge
}

// NewRaoCollector registers the metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice on the same
// registry returns the existing collectors.
func NewRaoCollector(reg prometheus.Registerer) (*RaoCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &RaoCollector{gatherer: gatherer}
	var err error

	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rao_requests_total",
		Help: "Total number of handled RAO RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "rao_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rao_request_duration_seconds",
		Help:    "RAO RPC latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"service", "method"}), "rao_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Solves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rao_lp_solves_total",
		Help: "Linear problem solves, labeled by solver status.",
	}, []string{"status"}), "rao_lp_solves_total"); err != nil {
		return nil, err
	}
	if c.SolveDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rao_lp_solve_duration_seconds",
		Help:    "Duration of one linear problem solve.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "rao_lp_solve_duration_seconds"); err != nil {
		return nil, err
	}
	if c.LinearOptimizations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rao_linear_optimizations_total",
		Help: "Iterating linear optimisations, labeled by final status.",
	}, []string{"status"}), "rao_linear_optimizations_total"); err != nil {
		return nil, err
	}
	if c.LinearIterations, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rao_linear_optimization_iterations",
		Help:    "Iterations used by one iterating linear optimisation.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
	}), "rao_linear_optimization_iterations"); err != nil {
		return nil, err
	}
	if c.Leaves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rao_search_tree_leaves_total",
		Help: "Search tree leaves, labeled by final leaf status.",
	}, []string{"status"}), "rao_search_tree_leaves_total"); err != nil {
		return nil, err
	}
	if c.SearchDepth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rao_search_tree_depth",
		Help: "Depth currently explored by the latest search tree.",
	}), "rao_search_tree_depth"); err != nil {
		return nil, err
	}
	if c.PerimeterDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rao_perimeter_duration_seconds",
		Help:    "Duration of one perimeter optimisation, labeled by perimeter kind.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"kind"}), "rao_perimeter_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Runs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rao_runs_total",
		Help: "RAO runs, labeled by result status.",
	}, []string{"status"}), "rao_runs_total"); err != nil {
		return nil, err
	}
	if c.RunCost, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rao_last_run_cost",
		Help: "Final cost of the latest RAO run.",
	}), "rao_last_run_cost"); err != nil {
		return nil, err
	}
	if c.LiveVariants, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rao_network_variants_live",
		Help: "Network variants currently held by optimisation workers.",
	}), "rao_network_variants_live"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RaoCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RaoCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RaoCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T, name string) (T, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
