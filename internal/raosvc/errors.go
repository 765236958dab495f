package raosvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/rao/crac"
	"github.com/signalsfoundry/rao/internal/config"
	"github.com/signalsfoundry/rao/internal/perimeter"
	"github.com/signalsfoundry/rao/internal/rao"
	"github.com/signalsfoundry/rao/timectrl"
)

// ErrInvalidRequest is returned for requests whose case or parameters cannot
// be decoded.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps engine errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, config.ErrInvalidParameters),
		errors.Is(err, rao.ErrInvalidInput),
		errors.Is(err, crac.ErrDuplicateID),
		errors.Is(err, crac.ErrUnknownInstant),
		errors.Is(err, crac.ErrUnknownContingency),
		errors.Is(err, crac.ErrInvalidEntity),
		errors.Is(err, perimeter.ErrUnknownState):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, perimeter.ErrNoRangeAction):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, timectrl.ErrBudgetExhausted):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
