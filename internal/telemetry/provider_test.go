package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.2.0"

	res := newResource(cfg)
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "phasegate", attrs["service.name"])
	assert.Equal(t, "1.2.0", attrs["service.version"])
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased")
}

func TestNewTracerProvider_WithExporter(t *testing.T) {
	cfg := NewDefaultConfig()
	exp := tracetest.NewInMemoryExporter()

	tp, err := newTracerProvider(context.Background(), cfg, newResource(cfg), options{spanExporter: exp})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))

	require.Len(t, exp.GetSpans(), 1)
	assert.Equal(t, "op", exp.GetSpans()[0].Name)
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.MetricsEnabled = false

	mp, err := newMeterProvider(context.Background(), cfg, newResource(cfg), options{})
	require.NoError(t, err)
	assert.Nil(t, mp)
}

func TestNewMeterProvider_WithReader(t *testing.T) {
	cfg := NewDefaultConfig()
	reader := sdkmetric.NewManualReader()

	mp, err := newMeterProvider(context.Background(), cfg, newResource(cfg), options{metricReader: reader})
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NoError(t, mp.Shutdown(context.Background()))
}
