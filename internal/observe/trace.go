package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livebridge"

// SessionSpanName names the span covering one relay session from upgrade to
// close.
const SessionSpanName = "relay.session"

// Span attribute keys set on session spans.
const (
	AttrSessionID = attribute.Key("session_id")
	AttrOutcome   = attribute.Key("outcome")
)

// Tracer returns the relay tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// StartSession starts the span for relay session id and returns a logger that
// tags every record with the session and its trace. Finish the span with
// [EndSession].
func StartSession(ctx context.Context, tracer trace.Tracer, id string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := tracer.Start(ctx, SessionSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AttrSessionID.String(id)),
	)
	return ctx, span, Logger(ctx).With("session_id", id)
}

// EndSession records the session outcome on span, marks it failed when err is
// non-nil, and ends it.
func EndSession(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it as X-Correlation-ID so a client report can be matched
// to the session logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
