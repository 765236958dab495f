// Package spans starts the spans of an optimisation. Every span carries the
// run, request and CRAC identifiers found on its context, so the trace of
// one RAO run can be joined with its log lines.
package spans

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/rao/internal/logging"
)

// Attribute keys shared by the optimisation spans.
const (
	RunID     = attribute.Key("rao.run_id")
	RequestID = attribute.Key("rao.request_id")
	Crac      = attribute.Key("rao.crac")
	State     = attribute.Key("rao.state")
	Depth     = attribute.Key("rao.depth")
	Actions   = attribute.Key("rao.network_actions")
	Status    = attribute.Key("rao.status")
	Cost      = attribute.Key("rao.cost")
)

type ctxKey struct{}

// WithCrac records the identifier of the CRAC being optimised.
func WithCrac(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CracFromContext returns the identifier stored by WithCrac.
func CracFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Start opens an internal span named name on the tracer of the calling
// package and tags it with attrs plus the identifiers of ctx.
func Start(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(append(attrs, Identifiers(ctx)...)...))
}

// Identifiers lists the run, request and CRAC attributes present on ctx.
func Identifiers(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := logging.RunIDFromContext(ctx); id != "" {
		attrs = append(attrs, RunID.String(id))
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, RequestID.String(id))
	}
	if id := CracFromContext(ctx); id != "" {
		attrs = append(attrs, Crac.String(id))
	}
	return attrs
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
