package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Field keys shared with handlers and metrics labels.
const (
	KeyRequestID     = "request.id"
	KeyRunID         = "run.id"
	KeyJobID         = "job.id"
	KeyCorrelationID = "correlation.id"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, k := range []ctxKey{requestKey, runKey, jobKey, correlationKey} {
		if v := valueFromContext(ctx, k); v != "" {
			fields = append(fields, zap.String(k.field, v))
		}
	}
	return fields
}

type ctxKey struct{ field string }

var (
	requestKey     = ctxKey{KeyRequestID}
	runKey         = ctxKey{KeyRunID}
	jobKey         = ctxKey{KeyJobID}
	correlationKey = ctxKey{KeyCorrelationID}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// validID reports whether id is safe to stamp on log lines. IDs arrive from
// request headers, so malformed ones are dropped rather than rejected.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

func withValue(ctx context.Context, k ctxKey, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, k, id)
}

func valueFromContext(ctx context.Context, k ctxKey) string {
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}

// WithRequestID adds an HTTP request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestKey, id)
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	return valueFromContext(ctx, requestKey)
}

// WithRunID adds a workflow run ID to context.
func WithRunID(ctx context.Context, id string) context.Context {
	return withValue(ctx, runKey, id)
}

// RunIDFromContext returns the run ID or "".
func RunIDFromContext(ctx context.Context) string {
	return valueFromContext(ctx, runKey)
}

// WithJobID adds a pipeline job ID to context.
func WithJobID(ctx context.Context, id string) context.Context {
	return withValue(ctx, jobKey, id)
}

// JobIDFromContext returns the job ID or "".
func JobIDFromContext(ctx context.Context) string {
	return valueFromContext(ctx, jobKey)
}

// WithCorrelationID adds the ID carried into model calls and error messages.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withValue(ctx, correlationKey, id)
}

// CorrelationIDFromContext returns the correlation ID or "".
func CorrelationIDFromContext(ctx context.Context) string {
	return valueFromContext(ctx, correlationKey)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
