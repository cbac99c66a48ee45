package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		tp.Shutdown(context.Background()) //nolint:errcheck
		otel.SetTracerProvider(prev)
	})

	return exporter
}

func TestTraceQuery_Success(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "FindLiveBySecret", "SELECT id FROM refresh_tokens WHERE secret_hash = $1")
	end(nil)

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}

	span := spans[0]
	if span.Name != "db.FindLiveBySecret" {
		t.Errorf("span name = %q, want %q", span.Name, "db.FindLiveBySecret")
	}

	attrs := make(map[string]string)
	for _, a := range span.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["db.system"] != "postgresql" {
		t.Errorf("db.system = %q, want %q", attrs["db.system"], "postgresql")
	}
	if attrs["db.operation"] != "FindLiveBySecret" {
		t.Errorf("db.operation = %q", attrs["db.operation"])
	}
	if span.Status.Code != codes.Unset {
		t.Errorf("span status = %v, want Unset", span.Status.Code)
	}
}

func TestTraceQuery_Error(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "TryRotate", "UPDATE refresh_tokens SET consumed_at = $2 WHERE id = $1")
	end(errors.New("connection refused"))

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event to be recorded on span")
	}
}

func TestSlowQueryLogging_SlowQuery(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	SetSlowQueryLogging(time.Nanosecond, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	_, end := TraceQuery(context.Background(), "RevokeFamily", "UPDATE refresh_tokens SET revoked_at = $2")
	end(errors.New("deadlock detected"))

	out := buf.String()
	for _, want := range []string{"slow query detected", "RevokeFamily", "deadlock detected"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in slow query log, got: %s", want, out)
		}
	}
}

func TestSlowQueryLogging_FastQuery_NoLog(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	SetSlowQueryLogging(time.Hour, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	_, end := TraceQuery(context.Background(), "FastSelect", "SELECT 1")
	end(nil)

	if strings.Contains(buf.String(), "slow query detected") {
		t.Error("did not expect slow query log for fast query")
	}
}

func TestSlowQueryLogging_Disabled(t *testing.T) {
	setupTestTracer(t)
	SetSlowQueryLogging(0, nil)

	_, end := TraceQuery(context.Background(), "AnyOp", "SELECT 1")
	end(nil)
}

func TestSetSlowQueryLogging_Concurrent(t *testing.T) {
	setupTestTracer(t)
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			SetSlowQueryLogging(time.Duration(i+1)*time.Hour, logger)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, end := TraceQuery(context.Background(), "Op", "SELECT 1")
			end(nil)
		}
	}()
	wg.Wait()
}
