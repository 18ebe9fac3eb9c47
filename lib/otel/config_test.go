package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "disabled config is always valid",
			config: Config{Enabled: false},
		},
		{
			name: "valid stdout config",
			config: Config{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    ExporterConfig{Type: "stdout"},
			},
		},
		{
			name: "valid otlp config",
			config: Config{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter: ExporterConfig{
					Type: "otlp",
					OTLP: OTLPConfig{Endpoint: "localhost:4318"},
				},
			},
		},
		{
			name: "missing service name",
			config: Config{
				Enabled:  true,
				Exporter: ExporterConfig{Type: "stdout"},
			},
			wantErr: true,
			errMsg:  "service name is required",
		},
		{
			name: "invalid exporter type",
			config: Config{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    ExporterConfig{Type: "invalid"},
			},
			wantErr: true,
			errMsg:  "unsupported exporter type: invalid",
		},
		{
			name: "otlp without endpoint",
			config: Config{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    ExporterConfig{Type: "otlp"},
			},
			wantErr: true,
			errMsg:  "OTLP endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

		config := DefaultConfig()

		assert.False(t, config.Enabled)
		assert.Equal(t, "xds-mediator", config.ServiceName)
		assert.Equal(t, "localhost:4318", config.Exporter.OTLP.Endpoint)
		assert.Equal(t, 10*time.Second, config.Exporter.OTLP.Timeout)
		require.NoError(t, config.Validate())
	})
	t.Run("environment", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "custom-service")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel.example.com:4318")

		config := DefaultConfig()

		assert.Equal(t, "custom-service", config.ServiceName)
		assert.Equal(t, "otel.example.com:4318", config.Exporter.OTLP.Endpoint)
		assert.False(t, config.Exporter.OTLP.Insecure)
	})
}

func TestInitialize(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		provider, err := Initialize(context.Background(), Config{Enabled: false})

		require.NoError(t, err)
		require.NotNil(t, otel.GetTracerProvider())
		assert.NoError(t, provider.Shutdown(context.Background()))
	})
	t.Run("none exporter", func(t *testing.T) {
		provider, err := Initialize(context.Background(), Config{
			Enabled:            true,
			ServiceName:        "test-service",
			Exporter:           ExporterConfig{Type: "none"},
			ResourceAttributes: map[string]string{"deployment.environment": "test"},
		})

		require.NoError(t, err)
		_, span := otel.GetTracerProvider().Tracer("test").Start(context.Background(), "test-span")
		span.End()
		assert.NoError(t, provider.Shutdown(context.Background()))
	})
	t.Run("unsupported exporter", func(t *testing.T) {
		_, err := Initialize(context.Background(), Config{
			Enabled:     true,
			ServiceName: "test-service",
			Exporter:    ExporterConfig{Type: "zipkin"},
		})

		require.EqualError(t, err, "unsupported exporter type: zipkin")
	})
}

func TestError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := trace.NewTracerProvider(trace.WithSpanProcessor(recorder)).Tracer("test")
	_, span := tracer.Start(context.Background(), "op")

	require.Nil(t, Error(span, nil))
	err := Error(span, errors.New("boom"), "failed")
	span.End()

	require.EqualError(t, err, "boom")
	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "failed", ended[0].Status().Description)
}

func TestHandlerWithTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := trace.NewTracerProvider(trace.WithSpanProcessor(recorder)).Tracer("test")
	handler := HandlerWithTracing(tracer, "xds.registry", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/xdsregistry", nil))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "xds.registry", ended[0].Name())
	require.Equal(t, "Bad Request", ended[0].Status().Description)
}
