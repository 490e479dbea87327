package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of spans started by this package.
const TracerName = "boogie"

// DBSystem identifies the datastore behind a span (db.system attribute).
type DBSystem string

const (
	// DBSystemPostgres is the Postgres venue store.
	DBSystemPostgres DBSystem = "postgresql"
	// DBSystemRedis is the Redis venue store.
	DBSystemRedis DBSystem = "redis"
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	// DBOperationQuery represents a read.
	DBOperationQuery DBOperation = "query"
	// DBOperationInsert represents an insert or upsert.
	DBOperationInsert DBOperation = "insert"
	// DBOperationUpdate represents an update.
	DBOperationUpdate DBOperation = "update"
	// DBOperationDelete represents a delete.
	DBOperationDelete DBOperation = "delete"
	// DBOperationExec represents a generic statement such as a migration.
	DBOperationExec DBOperation = "exec"
)

// StartDBSpan creates a client span for a datastore operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venues", tracing.DBOperationUpdate)
//	defer endSpan(err)
func StartDBSpan(ctx context.Context, system DBSystem, table string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer(TracerName + "/db")

	spanName := string(operation)
	if table != "" {
		spanName = spanName + " " + table
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", string(system)),
			attribute.String("db.operation", string(operation)),
		),
	)

	if table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}

	return ctx, endFunc(span)
}

// StartSpan creates a new span for a general operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartSpan(ctx, "vibe.report")
//	defer endSpan(err)
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
