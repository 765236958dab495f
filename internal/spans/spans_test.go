package spans

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/rao/internal/logging"
)

func record(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartTagsSpanWithRunIdentifiers(t *testing.T) {
	rec := record(t)
	ctx, runID := logging.NewRunID(context.Background())
	ctx = logging.ContextWithRequestID(ctx, "req-1")
	ctx = WithCrac(ctx, "crac-1")

	_, span := Start(ctx, "test", "searchtree.Depth", Depth.Int(2))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "searchtree.Depth", ended[0].Name())
	got := attrs(ended[0])
	assert.Equal(t, runID, got[RunID].AsString())
	assert.Equal(t, "req-1", got[RequestID].AsString())
	assert.Equal(t, "crac-1", got[Crac].AsString())
	assert.Equal(t, int64(2), got[Depth].AsInt64())
}

func TestStartWithoutIdentifiers(t *testing.T) {
	rec := record(t)

	_, span := Start(context.Background(), "test", "rao.Run")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Empty(t, rec.Ended()[0].Attributes())
	assert.Empty(t, Identifiers(context.Background()))
}

func TestChildSpansKeepTheCrac(t *testing.T) {
	rec := record(t)
	ctx := WithCrac(context.Background(), "crac-2")

	ctx, parent := Start(ctx, "test", "rao.Run")
	_, child := Start(ctx, "test", "linearopt.Optimize")
	child.End()
	parent.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, "crac-2", attrs(ended[0])[Crac].AsString())
}

func TestFailMarksSpanAsError(t *testing.T) {
	rec := record(t)

	_, ok := Start(context.Background(), "test", "ok")
	Fail(ok, nil)
	ok.End()
	_, failed := Start(context.Background(), "test", "failed")
	Fail(failed, errors.New("solver diverged"))
	failed.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Empty(t, ended[0].Events())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "solver diverged", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
	assert.Equal(t, "exception", ended[1].Events()[0].Name)
}
