// Package raosvc exposes the RAO engine as a gRPC service. Requests and
// responses are google.protobuf.Struct documents: a request carries the case
// under "case" and optional parameters under "parameters"; a Run response is
// the JSON form of the RAO result.
package raosvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/rao/core"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/logging"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/rao"
	"github.com/signalsfoundry/rao/internal/raoresult"
	"github.com/signalsfoundry/rao/internal/sensitivity"
	"github.com/signalsfoundry/rao/timectrl"
)

const (
	ServiceName    = "rao.v1.RaoService"
	RunMethod      = "/" + ServiceName + "/Run"
	ValidateMethod = "/" + ServiceName + "/Validate"
)

// Server is the server API of the RAO service.
type Server interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the RAO service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Validate", Handler: validateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rao/v1/rao.proto",
}

// Register adds srv to a gRPC server.
func Register(r grpc.ServiceRegistrar, srv Server) {
	r.RegisterService(&ServiceDesc, srv)
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func validateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service runs optimisations on the cases it receives, using the flow model
// embedded in each case.
type Service struct {
	log      logging.Logger
	recorder rao.Recorder
	clock    timectrl.Clock
	slots    *semaphore.Weighted
}

var _ Server = (*Service)(nil)

// Option customises a Service.
type Option func(*Service)

// WithRecorder records engine metrics.
func WithRecorder(r rao.Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithClock drives the time budget of every run.
func WithClock(c timectrl.Clock) Option { return func(s *Service) { s.clock = c } }

// WithMaxConcurrentRuns bounds the runs executing at once; further requests
// wait for a slot or for their deadline.
func WithMaxConcurrentRuns(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewService constructs a Service.
func NewService(log logging.Logger, opts ...Option) *Service {
	s := &Service{log: logging.OrNoop(log), slots: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// Run optimises the case of req and returns the RAO result.
func (s *Service) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.logger(ctx)
	cs, params, err := DecodeRequest(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, ToStatusError(err)
	}
	defer s.slots.Release(1)

	res, err := rao.Run(ctx, rao.Input{
		Crac:       cs.Crac,
		Network:    cs.Network,
		Oracle:     sensitivity.NewLinearOracle(cs.Model),
		Parameters: params,
		Clock:      s.clock,
		Logger:     log,
		Recorder:   s.recorder,
	})
	if err != nil {
		log.Warn(ctx, "run rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}
	out, err := EncodeResult(res)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// Validate checks that a case and its parameters can be optimised without
// running the optimisation.
func (s *Service) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cs, params, err := DecodeRequest(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if _, err := perimeter.NewPreventive(cs.Crac, cs.Crac.FlowCnecs(), nil, perimeter.Options{}); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Debug(ctx, "case validated", logging.String("crac", cs.Crac.ID))
	out, err := structpb.NewStruct(map[string]interface{}{
		"valid":          true,
		"crac":           cs.Crac.ID,
		"objective":      string(params.ObjectiveFunction.Type),
		"cnecs":          len(cs.Crac.FlowCnecs()),
		"contingencies":  len(cs.Crac.Contingencies()),
		"rangeActions":   len(cs.Crac.RangeActions()),
		"networkActions": len(cs.Crac.NetworkActions()),
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// NewRequest builds a request from a case document and optional YAML
// parameters.
func NewRequest(caseJSON, parametersYAML []byte) (*structpb.Struct, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(caseJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: case: %v", ErrInvalidRequest, err)
	}
	fields := map[string]interface{}{"case": doc}
	if len(bytes.TrimSpace(parametersYAML)) > 0 {
		var params map[string]interface{}
		if err := yaml.Unmarshal(parametersYAML, &params); err != nil {
			return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidRequest, err)
		}
		fields["parameters"] = params
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

// DecodeRequest loads the case and parameters of a request. Missing
// parameters mean the defaults.
func DecodeRequest(req *structpb.Struct) (*core.Case, config.RaoParameters, error) {
	fields := req.GetFields()
	doc, ok := fields["case"]
	if !ok {
		return nil, config.RaoParameters{}, fmt.Errorf("%w: missing case", ErrInvalidRequest)
	}
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, config.RaoParameters{}, fmt.Errorf("%w: case: %v", ErrInvalidRequest, err)
	}
	cs, err := core.LoadCase(bytes.NewReader(data))
	if err != nil {
		return nil, config.RaoParameters{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params := config.Default()
	if p, ok := fields["parameters"]; ok {
		data, err := p.MarshalJSON()
		if err != nil {
			return nil, config.RaoParameters{}, fmt.Errorf("%w: parameters: %v", ErrInvalidRequest, err)
		}
		// JSON is a subset of YAML.
		if params, err = config.Load(bytes.NewReader(data)); err != nil {
			return nil, config.RaoParameters{}, err
		}
	}
	return cs, params, nil
}

// EncodeResult converts a RAO result into its Struct form.
func EncodeResult(res *raoresult.Result) (*structpb.Struct, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// DecodeResult converts a Run response back into a RAO result.
func DecodeResult(s *structpb.Struct) (*raoresult.Result, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	var res raoresult.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// Client calls a remote RAO service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient constructs a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Run calls RaoService.Run.
func (c *Client) Run(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate calls RaoService.Validate.
func (c *Client) Validate(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ValidateMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
