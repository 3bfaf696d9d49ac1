// Package tracing provides OpenTelemetry distributed tracing for the queue
// subsystem: a span per task execution, queue lifecycle transition, and
// controller tick, so a slow or failed task can be followed end to end
// alongside the counters and histograms pkg/instrumentation already
// exports.
//
// Grounded on the teacher's observability.TelemetryProvider
// (observability/telemetry.go): resource + OTLP/HTTP exporter + batching
// TracerProvider, a TraceOperation-style span-start helper, and a disabled
// mode that returns a no-op tracer rather than failing when no collector
// is configured.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures a Tracer's OTLP/HTTP export. A zero-value Config (no
// Endpoint) produces a no-op Tracer: spans are created but never exported,
// so instrumented code pays no cost when tracing isn't configured.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        map[string]string
	SampleRatio    float64
}

// Tracer starts spans for queue operations. The zero value is not usable;
// construct one with New or Noop.
type Tracer struct {
	tracer trace.Tracer
}

// Noop returns a Tracer whose spans are never exported, used as the
// default for every component so tracing is opt-in.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("modqueue")}
}

// New creates a Tracer that batches spans to an OTLP/HTTP collector. The
// returned shutdown func flushes and closes the exporter and should be
// deferred by the caller. If cfg.Endpoint is empty, New returns a no-op
// Tracer and a no-op shutdown rather than erroring.
func New(ctx context.Context, cfg Config) (*Tracer, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return Noop(), func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "modqueue"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := otlptrace.New(ctx,
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{tracer: provider.Tracer(serviceName)}, provider.Shutdown, nil
}

// StartSpan starts an internal span named name, carrying attrs, and
// returns the span-bearing context along with the span to End.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndWithError records err on span (if non-nil) before ending it, matching
// the teacher's pattern of tagging a span's status from the operation's
// outcome rather than leaving failed spans looking identical to successes.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
