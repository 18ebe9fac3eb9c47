package logging

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// AppendCtx returns a context of which the logger (log.Ctx) includes the given field.
func AppendCtx(parent context.Context, key string, value string) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	logger := log.Ctx(parent).With().Str(key, value).Logger()
	return logger.WithContext(parent)
}

// Middleware attaches a logger to the request context, including the OpenTelemetry trace and span IDs if present.
// It must be applied inside the tracing middleware.
func Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		loggerCtx := log.Logger.With()
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			loggerCtx = loggerCtx.
				Str(FieldTraceID, span.SpanContext().TraceID().String()).
				Str(FieldSpanID, span.SpanContext().SpanID().String())
		}
		logger := loggerCtx.Logger()
		next(w, r.WithContext(logger.WithContext(ctx)))
	}
}
