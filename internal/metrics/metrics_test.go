package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	before := value(t, m.DecisionsTotal.WithLabelValues("proceed"))
	m.RecordDecision("proceed")
	assert.Equal(t, before+1, value(t, m.DecisionsTotal.WithLabelValues("proceed")))

	lowBefore := value(t, m.SamplesTotal.WithLabelValues("low"))
	m.RecordSample(true)
	m.RecordSample(false)
	assert.Equal(t, lowBefore+1, value(t, m.SamplesTotal.WithLabelValues("low")))

	errBefore := value(t, m.CatalogReloadsTotal.WithLabelValues("error"))
	m.RecordCatalogReload(false)
	assert.Equal(t, errBefore+1, value(t, m.CatalogReloadsTotal.WithLabelValues("error")))

	m.RecordTick(0.01, 3, 2)
	assert.Equal(t, 3.0, value(t, m.TrackedEntities))
	assert.Equal(t, 2.0, value(t, m.RunningExecutions))

	panics := value(t, m.PanicsTotal)
	m.RecordPanic()
	assert.Equal(t, panics+1, value(t, m.PanicsTotal))
}
