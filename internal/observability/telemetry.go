package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporters accepted by Config.Exporter.
const (
	ExporterOTLP = "otlp-http"
	ExporterNoop = "noop"
)

// Config selects where quasar spans go.
type Config struct {
	Enabled     bool
	Exporter    string  // ExporterOTLP (alias "otlp") or ExporterNoop
	Endpoint    string  // host:port of the OTLP/HTTP collector
	ServiceName string  // consumer or provider application name
	SampleRate  float64 // ratio of new root traces kept; parents are honoured
}

type provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var global = disabled()

func disabled() *provider {
	return &provider{tracer: noop.NewTracerProvider().Tracer("")}
}

// Init installs the global tracer provider and W3C propagator. With
// tracing disabled every span is a no-op.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		global = disabled()
		return nil
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	return install(ctx, cfg, sdktrace.NewBatchSpanProcessor(exp))
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "otlp":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case ExporterNoop:
		return noopExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
}

func install(ctx context.Context, cfg Config, sp sdktrace.SpanProcessor) error {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNamespace("quasar"),
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(buildVersion()),
	))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global = &provider{tp: tp, tracer: tp.Tracer("github.com/oriys/quasar")}
	return nil
}

// newSampler keeps a caller's sampling decision and samples new roots at
// rate.
func newSampler(rate float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	switch {
	case rate <= 0:
		root = sdktrace.NeverSample()
	case rate < 1:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}

// Shutdown flushes buffered spans, waiting at most five seconds.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

func Tracer() trace.Tracer {
	return global.tracer
}

// Enabled reports whether spans are recorded.
func Enabled() bool {
	return global.tp != nil
}

// noopExporter drops spans while keeping ids and propagation alive, for
// deployments without a collector.
type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                              { return nil }
