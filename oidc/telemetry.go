package oidckit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/open-rails/oauthlogin/oidc"

type instruments struct {
	tracer    trace.Tracer
	initiated metric.Int64Counter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
}

// newInstruments binds to the global providers; with no SDK installed every instrument is a no-op.
func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	in := instruments{tracer: otel.Tracer(instrumentationName)}
	in.initiated, _ = meter.Int64Counter("oauthlogin.flow.initiated",
		metric.WithDescription("Authorization requests issued"),
		metric.WithUnit("{flow}"),
	)
	in.completed, _ = meter.Int64Counter("oauthlogin.flow.completed",
		metric.WithDescription("Callbacks handled, by outcome"),
		metric.WithUnit("{flow}"),
	)
	in.duration, _ = meter.Float64Histogram("oauthlogin.provider.duration",
		metric.WithDescription("Provider round-trip latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	return in
}

func (in instruments) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

func (in instruments) countInitiated(ctx context.Context, isTest bool) {
	if in.initiated != nil {
		in.initiated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("test", isTest)))
	}
}

func (in instruments) countCompleted(ctx context.Context, r Result) {
	if in.completed == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", string(r.State()))}
	if f, ok := r.(Failure); ok && f.Err != nil {
		attrs = append(attrs, attribute.String("error.kind", string(f.Err.Kind)))
	}
	in.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (in instruments) observe(ctx context.Context, endpoint string, start time.Time) {
	if in.duration != nil {
		in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// endSpan records err (if any) and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
