package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for sqlbatch tracing.
const tracerName = "github.com/xraph/sqlbatch"

// Tracing returns middleware that wraps each job query in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: sqlbatch.job.id, sqlbatch.host,
// sqlbatch.query.index, db.system and db.name. The statement text is not
// recorded. On error, the span status is set to codes.Error.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		ctx, span := tracer.Start(ctx, "sqlbatch.query.execute",
			trace.WithAttributes(
				attribute.String("sqlbatch.job.id", c.Job.ID.String()),
				attribute.String("sqlbatch.host", c.Job.Host),
				attribute.Int("sqlbatch.query.index", c.Index),
				attribute.String("db.system", "postgresql"),
				attribute.String("db.name", c.Job.DB.Name),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
