package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpanFields(t *testing.T) {
	writer := &captureWriter{}
	exporter := newLoggingExporterWithLogger(zerolog.New(writer))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)

	ctx := context.Background()
	_, span := provider.Tracer("coordinator-test").Start(ctx, "poll-delivery")
	span.SetAttributes(attribute.String("client_id", "edge-1"))
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if len(writer.entries) == 0 {
		t.Fatal("expected a log entry per completed span")
	}
	entry := writer.entries[0]
	for _, want := range []string{"poll-delivery", "trace_id", "span_id", "edge-1"} {
		if !strings.Contains(entry, want) {
			t.Fatalf("log entry missing %q: %s", want, entry)
		}
	}
}
