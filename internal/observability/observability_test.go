package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

func TestDisabledTracerIsUsable(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Enabled() {
		t.Fatal("tracing should be disabled")
	}

	ctx, span := StartSpan(context.Background(), "cluster.invoke", AttrStrategy.String("broadcast"))
	SetSpanError(span, errors.New("boom"))
	span.End()

	if GetTraceID(ctx) != "" {
		t.Fatal("noop spans should not carry a trace id")
	}
	if tc := ExtractTraceContext(ctx); tc.TraceParent != "" {
		t.Fatalf("expected empty trace context, got %+v", tc)
	}
}

func TestNoopExporterPropagates(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "noop", ServiceName: "quasar-test", SampleRate: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	ctx, span := StartSpan(context.Background(), "cluster.invoke")
	defer span.End()

	traceID := GetTraceID(ctx)
	if traceID == "" {
		t.Fatal("expected a trace id with tracing enabled")
	}

	tc := ExtractTraceContext(ctx)
	if tc.TraceParent == "" {
		t.Fatal("expected traceparent to be injected")
	}
	remote := InjectTraceContext(context.Background(), tc)
	if got := SpanFromContext(remote).SpanContext().TraceID().String(); got != traceID {
		t.Fatalf("trace id not propagated: %s != %s", got, traceID)
	}
}

func TestGRPCMetadataPropagation(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "noop", ServiceName: "quasar-test", SampleRate: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	ctx, span := StartClientSpan(context.Background(), "grpc echo")
	defer span.End()

	out := InjectGRPCMetadata(ctx)
	md, ok := metadata.FromOutgoingContext(out)
	if !ok || len(md.Get("traceparent")) == 0 {
		t.Fatalf("expected traceparent in outgoing metadata, got %v", md)
	}

	server := ExtractGRPCMetadata(metadata.NewIncomingContext(context.Background(), md))
	if got := SpanFromContext(server).SpanContext().TraceID().String(); got != GetTraceID(ctx) {
		t.Fatalf("trace id not propagated over metadata: %s != %s", got, GetTraceID(ctx))
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	Init(context.Background(), Config{Enabled: false})
}

func TestHTTPMiddlewarePassThrough(t *testing.T) {
	Init(context.Background(), Config{Enabled: false})
	called := false
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/services/x/y", nil))
	if !called || rec.Code != http.StatusTeapot {
		t.Fatalf("handler not invoked correctly: called=%v code=%d", called, rec.Code)
	}
}

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	if err := install(context.Background(), Config{ServiceName: "quasar-test", SampleRate: 1}, sdktrace.NewSimpleSpanProcessor(exp)); err != nil {
		t.Fatalf("install: %v", err)
	}
	t.Cleanup(func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	})
	return exp
}

func TestHTTPMiddlewareNamesSpansByRoute(t *testing.T) {
	exp := recordSpans(t)
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetTraceID(r.Context()) == "" {
			t.Error("handler should run inside the server span")
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/services/demo.Greeter/echo", nil)
	req.Header.Set("X-Request-ID", "req-9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /services/{service}/{method}" {
		t.Fatalf("span name = %q", s.Name)
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range s.Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs[AttrService] != "demo.Greeter" || attrs[AttrMethod] != "echo" || attrs[AttrRequestID] != "req-9" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if s.Status.Code != codes.Error {
		t.Fatalf("429 should mark the span as failed, got %v", s.Status.Code)
	}
}

func TestRouteOf(t *testing.T) {
	tests := []struct {
		path, route, service string
	}{
		{"/services/demo.Greeter/echo", "/services/{service}/{method}", "demo.Greeter"},
		{"/services", "/services", ""},
		{"/services/demo.Greeter", "/services/demo.Greeter", ""},
		{"/services/a/b/c", "/services/a/b/c", ""},
		{"/health", "/health", ""},
	}
	for _, tt := range tests {
		route, attrs := routeOf(tt.path)
		if route != tt.route {
			t.Fatalf("routeOf(%q) = %q, want %q", tt.path, route, tt.route)
		}
		if tt.service == "" && len(attrs) != 0 {
			t.Fatalf("routeOf(%q) should not set attributes, got %v", tt.path, attrs)
		}
		if tt.service != "" && attrs[0].Value.AsString() != tt.service {
			t.Fatalf("routeOf(%q) service = %v", tt.path, attrs[0])
		}
	}
}

func TestSamplerHonoursParent(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	if err := install(context.Background(), Config{ServiceName: "quasar-test", SampleRate: 0}, sdktrace.NewSimpleSpanProcessor(exp)); err != nil {
		t.Fatalf("install: %v", err)
	}
	defer Init(context.Background(), Config{Enabled: false})

	_, root := StartSpan(context.Background(), "root")
	root.End()
	if len(exp.GetSpans()) != 0 {
		t.Fatal("rate 0 should drop new roots")
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	_, child := StartServerSpan(trace.ContextWithRemoteSpanContext(context.Background(), parent), "child")
	child.End()
	if len(exp.GetSpans()) != 1 {
		t.Fatal("sampled parent should be honoured")
	}
}
