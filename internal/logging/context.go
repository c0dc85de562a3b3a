package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
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
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if id := EntityFromContext(ctx); id != "" {
		fields = append(fields, zap.String("entity.id", id))
	}
	if tick, ok := TickFromContext(ctx); ok {
		fields = append(fields, zap.Uint64("tick", tick))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

type entityCtxKey struct{}
type tickCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithEntity tags ctx with the entity being evaluated.
func WithEntity(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, entityCtxKey{}, entityID)
}

// EntityFromContext returns the entity ID, or "".
func EntityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(entityCtxKey{}).(string)
	return id
}

// WithTick tags ctx with the engine tick number.
func WithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, tickCtxKey{}, tick)
}

// TickFromContext returns the tick number if one is set.
func TickFromContext(ctx context.Context) (uint64, bool) {
	t, ok := ctx.Value(tickCtxKey{}).(uint64)
	return t, ok
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
