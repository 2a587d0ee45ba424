package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{ServiceName: "milkyway-bot"})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if IsTracingEnabled() {
		t.Error("tracing enabled without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Sampler(tt.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
			t.Errorf("Sampler(%v) = %s, want root %s", tt.ratio, desc, tt.want)
		}
	}
}

func TestServiceAttributes(t *testing.T) {
	attrs := serviceAttributes(TracingConfig{ServiceName: "svc", ServiceVersion: "v1", Environment: "prod"})
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["service.name"] != "svc" || got["service.version"] != "v1" || got["deployment.environment"] != "prod" {
		t.Errorf("attributes = %v", got)
	}
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestStartSpanCarriesCorrelation(t *testing.T) {
	rec := withRecorder(t)
	ctx := WithCorrelation(context.Background(), "corr-1")
	_, span := StartSpan(ctx, TracerCommand, "dispatch")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	var corr string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == "correlation_id" {
			corr = kv.Value.AsString()
		}
	}
	if corr != "corr-1" {
		t.Errorf("correlation_id = %q", corr)
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", ended[0].Status())
	}
}

func TestExtractHTTPContinuesTrace(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{}); err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	sc := trace.SpanContextFromContext(ExtractHTTP(context.Background(), h))
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" || !sc.IsRemote() {
		t.Errorf("span context = %+v", sc)
	}
}
