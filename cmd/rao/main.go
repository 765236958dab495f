package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/observability"
	"github.com/signalsfoundry/rao/internal/rao"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/raosvc"
	"github.com/signalsfoundry/rao/internal/sensitivity"
)

// exitFailure is returned when the optimisation ran but the initial
// sensitivity computation failed.
const exitFailure = 2

type options struct {
	casePath   string
	paramsPath string
	server     string
	timeout    time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.casePath, "case", "", "path to the JSON case (CRAC, network and flow model)")
	flag.StringVar(&opts.paramsPath, "params", "", "path to YAML RAO parameters; defaults apply when empty")
	flag.StringVar(&opts.server, "server", "", "address of a rao-server; the optimisation runs in-process when empty")
	flag.DurationVar(&opts.timeout, "timeout", 0, "abort the call after this duration; 0 waits forever")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, tracingConfig(opts), log)
	if err != nil {
		log.Error(ctx, "tracing setup failed", logging.Err(err))
		os.Exit(1)
	}

	res, err := execute(ctx, opts, os.Stdout, log)
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	if err != nil {
		log.Error(ctx, "rao failed", logging.Err(err))
		os.Exit(1)
	}
	if res.Status == raoresult.Failure {
		os.Exit(exitFailure)
	}
}

// tracingConfig tags the spans of the CLI with the case and with whether
// the optimisation runs in-process or on a server.
func tracingConfig(opts options) observability.TracingConfig {
	mode := "local"
	if opts.server != "" {
		mode = "remote"
	}
	return observability.TracingConfigFromEnv("rao").With(
		observability.ModeKey.String(mode),
		observability.CasePathKey.String(opts.casePath),
	)
}

// execute runs the optimisation described by opts and writes the result as
// indented JSON to out.
func execute(ctx context.Context, opts options, out io.Writer, log logging.Logger) (*raoresult.Result, error) {
	if opts.casePath == "" {
		return nil, errors.New("-case is required")
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	caseJSON, err := os.ReadFile(opts.casePath)
	if err != nil {
		return nil, fmt.Errorf("read case: %w", err)
	}

	var res *raoresult.Result
	if opts.server != "" {
		res, err = runRemote(ctx, opts, caseJSON)
	} else {
		res, err = runLocal(ctx, opts, caseJSON, log)
	}
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}
	return res, nil
}

func runLocal(ctx context.Context, opts options, caseJSON []byte, log logging.Logger) (*raoresult.Result, error) {
	cs, err := core.LoadCase(bytes.NewReader(caseJSON))
	if err != nil {
		return nil, err
	}
	params, err := config.LoadFile(opts.paramsPath)
	if err != nil {
		return nil, err
	}
	return rao.Run(ctx, rao.Input{
		Crac:       cs.Crac,
		Network:    cs.Network,
		Oracle:     sensitivity.NewLinearOracle(cs.Model),
		Parameters: params,
		Logger:     log,
	})
}

func runRemote(ctx context.Context, opts options, caseJSON []byte) (*raoresult.Result, error) {
	var paramsYAML []byte
	if opts.paramsPath != "" {
		var err error
		if paramsYAML, err = os.ReadFile(opts.paramsPath); err != nil {
			return nil, fmt.Errorf("read parameters: %w", err)
		}
	}
	req, err := raosvc.NewRequest(caseJSON, paramsYAML)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(opts.server,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.server, err)
	}
	defer conn.Close()

	resp, err := raosvc.NewClient(conn).Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return raosvc.DecodeResult(resp)
}
