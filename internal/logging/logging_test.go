package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf}).With(String("perimeter", "preventive"))

	l.Info(context.Background(), "leaf evaluated", Float64("cost", -85), Int("depth", 1), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{`"msg":"leaf evaluated"`, `"perimeter":"preventive"`, `"cost":-85`, `"depth":1`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q does not contain %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestRequestAndRunIDs(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("request id %q is not a uuid: %v", id, err)
	}
	again, same := EnsureRequestID(ctx)
	if same != id || RequestIDFromContext(again) != id {
		t.Fatalf("request id changed: %q then %q", id, same)
	}

	ctx, run := NewRunID(ctx)
	if RunIDFromContext(ctx) != run || run == id {
		t.Fatalf("unexpected run id %q", run)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected no logger")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if _, ok := LoggerFromContext(ctx).(noopLogger); !ok {
		t.Fatalf("nil logger should be stored as noop")
	}
	if _, ok := OrNoop(nil).(noopLogger); !ok {
		t.Fatalf("OrNoop(nil) should be noop")
	}
}
