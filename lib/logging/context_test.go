package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	buf := new(bytes.Buffer)
	original := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = original })
	return buf
}

func TestAppendCtx(t *testing.T) {
	buf := captureLogs(t)
	ctx := log.Logger.WithContext(context.Background())

	ctx = AppendCtx(ctx, FieldCorrelationID, "c1")
	ctx = AppendCtx(ctx, FieldState, "parsing")
	log.Ctx(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"correlation_id":"c1"`)
	assert.Contains(t, buf.String(), `"state":"parsing"`)
}

func TestMiddleware(t *testing.T) {
	buf := captureLogs(t)
	tracer := trace.NewTracerProvider().Tracer("test")
	handler := Middleware(func(w http.ResponseWriter, r *http.Request) {
		log.Ctx(r.Context()).Info().Msg("handled")
	})
	ctx, span := tracer.Start(context.Background(), "request")
	defer span.End()

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/xdsrepository", nil).WithContext(ctx))

	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"message":"handled"`)
}
