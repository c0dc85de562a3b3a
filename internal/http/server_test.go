package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/archive"
	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	engine  *engine.Engine
	archive *archive.Store
	catalog *catalog.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat, err := catalog.New(catalog.Catalog{
		Version: "2026.10",
		Rules: []catalog.Rule{{
			ID:     "traffic-rising",
			Phase:  "lp_validation",
			Action: gate.ActionProceed,
			Weight: 1,
			Conditions: []catalog.Condition{
				{Indicator: "traffic", Pattern: []symbol.Symbol{symbol.Up, symbol.Up, symbol.Up}},
			},
		}},
		Packages: []catalog.Package{
			{ID: "pkg-scale-ads", Action: gate.ActionProceed, Priority: 1, Class: gate.ClassGrowth, Resources: []string{"ad_budget"}},
			{ID: "pkg-landing", Action: gate.ActionProceed, Priority: 2, Class: gate.ClassGrowth, Resources: []string{"landing_page"}},
		},
	})
	require.NoError(t, err)
	store := catalog.NewStore(cat)

	arch, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close() })

	n := 0
	eng, err := engine.New(engine.DefaultConfig(), store,
		engine.WithArchiver(arch),
		engine.WithClock(func() time.Time { return t0 }),
		engine.WithIDGenerator(func() string { n++; return fmt.Sprintf("exec-%d", n) }),
	)
	require.NoError(t, err)

	server, err := NewServer(eng, zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0},
		WithHistory(arch),
		WithCatalog(store),
		WithTelemetry(telemetry.NewTestTelemetry().Telemetry),
		WithVersion("1.0.0-test"),
	)
	require.NoError(t, err)

	return &testEnv{server: server, engine: eng, archive: arch, catalog: store}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

// risingTraffic symbolizes as Flat then three Up moves.
func risingTraffic(entityID string) IngestRequest {
	var req IngestRequest
	v := 100.0
	for i := 0; i < 4; i++ {
		req.Samples = append(req.Samples, engine.MetricSample{
			EntityID:   entityID,
			Metric:     "traffic",
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			RawValue:   v,
			SampleSize: 500,
		})
		v *= 1.03
	}
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := NewServer(env.engine, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		env := newTestEnv(t)
		server, err := NewServer(env.engine, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost:8080", server.Addr())
	})
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.Register("venture-1", ""))

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.0.0-test", resp.Version)
	assert.Equal(t, 1, resp.Entities)
	assert.Equal(t, "ok", resp.Services["archive"])
	require.NotNil(t, resp.Telemetry)
	assert.True(t, resp.Telemetry.Healthy)
}

func TestHandleHealth_ArchiveDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.archive.Close())

	resp := decode[HealthResponse](t, env.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Services["archive"])
}

func TestHandleIngest(t *testing.T) {
	env := newTestEnv(t)

	t.Run("queues samples", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/samples", risingTraffic("venture-1"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[IngestResponse](t, rec)
		assert.Equal(t, 4, resp.Accepted)
		assert.Empty(t, resp.Rejected)
	})

	t.Run("reports invalid samples by index", func(t *testing.T) {
		req := risingTraffic("venture-2")
		req.Samples[1].Metric = ""
		rec := env.do(t, http.MethodPost, "/api/v1/samples", req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[IngestResponse](t, rec)
		assert.Equal(t, 3, resp.Accepted)
		require.Len(t, resp.Rejected, 1)
		assert.Equal(t, 1, resp.Rejected[0].Index)
	})

	t.Run("all invalid is a bad request", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/samples", IngestRequest{Samples: []engine.MetricSample{{Metric: "traffic"}}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/samples", IngestRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/samples", bytes.NewBufferString("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGateFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/samples", risingTraffic("venture-1")).Code)

	// No tick yet.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/entities/venture-1/decision", nil).Code)

	env.engine.Tick(ctx)

	rec := env.do(t, http.MethodGet, "/api/v1/entities/venture-1/decision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[decision.GateDecision](t, rec)
	assert.Equal(t, gate.ActionProceed, d.EffectiveAction)
	assert.Equal(t, "traffic-rising", d.DominantRule)

	rec = env.do(t, http.MethodGet, "/api/v1/entities/venture-1/proposal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[execution.Proposal](t, rec).Created, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/entities/venture-1/indicators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inds := decode[map[string]symbol.Indicator](t, rec)
	require.Contains(t, inds, "traffic")
	assert.Len(t, inds["traffic"].Window, 4)

	rec = env.do(t, http.MethodGet, "/api/v1/entities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := decode[[]engine.EntitySummary](t, rec)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Executions[execution.StatusRunning])

	rec = env.do(t, http.MethodGet, "/api/v1/entities/venture-1/executions?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	running := decode[[]execution.Execution](t, rec)
	require.Len(t, running, 2)
	id := running[0].ID

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/v1/entities/venture-1/executions?status=sleeping", nil).Code)

	base := "/api/v1/entities/venture-1/executions/" + id
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, base+"/progress", ProgressRequest{Progress: 40}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, base+"/progress", ProgressRequest{Progress: 140}).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, base+"/complete", FinishRequest{Note: "shipped"}).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base+"/fail", FinishRequest{Note: "too late"}).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/v1/entities/venture-1/executions/exec-404/complete", FinishRequest{}).Code)

	execs, err := env.engine.Executions("venture-1")
	require.NoError(t, err)
	for _, e := range execs {
		if e.ID == id {
			assert.Equal(t, execution.StatusCompleted, e.Status)
			assert.Equal(t, "shipped", e.Reason)
		}
	}
}

func TestHandleOverride(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.Register("venture-1", ""))

	assert.Equal(t, http.StatusAccepted,
		env.do(t, http.MethodPost, "/api/v1/entities/venture-1/override", OverrideRequest{Override: "reject"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/v1/entities/venture-1/override", OverrideRequest{Override: "veto"}).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/v1/entities/venture-404/override", OverrideRequest{Override: "hold"}).Code)

	env.engine.Tick(context.Background())
	d, err := env.engine.Decision("venture-1")
	require.NoError(t, err)
	assert.Equal(t, gate.OverrideReject, d.Override)
	assert.Equal(t, gate.ActionKill, d.EffectiveAction)
}

func TestHandleRegister(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusCreated,
		env.do(t, http.MethodPost, "/api/v1/entities", RegisterRequest{ID: "venture-9", Phase: "scale"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/v1/entities", RegisterRequest{}).Code)

	summaries := env.engine.Entities()
	require.Len(t, summaries, 1)
	assert.Equal(t, "scale", summaries[0].Phase)
}

func TestHandleHistory(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/samples", risingTraffic("venture-1")).Code)
	env.engine.Tick(context.Background())

	rec := env.do(t, http.MethodGet, "/api/v1/entities/venture-1/history/decisions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ds := decode[[]decision.GateDecision](t, rec)
	require.Len(t, ds, 1)
	assert.Equal(t, gate.ActionProceed, ds[0].EffectiveAction)

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/v1/entities/venture-1/history/decisions?limit=-1", nil).Code)

	require.NoError(t, env.archive.ArchiveExecutions(context.Background(), []execution.Execution{
		{ID: "exec-old", EntityID: "venture-1", PKGID: "pkg-landing", Status: execution.StatusFailed, ProposedAt: t0},
	}))
	rec = env.do(t, http.MethodGet, "/api/v1/entities/venture-1/history/executions?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]execution.Execution](t, rec), 1)
}

func TestHandleHistory_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	server, err := NewServer(env.engine, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/entities/venture-1/history/decisions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleCatalog(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CatalogResponse](t, rec)
	assert.Equal(t, "2026.10", resp.Version)
	assert.Equal(t, 1, resp.Rules)
	assert.Equal(t, 2, resp.Packages)
	assert.Equal(t, []string{"traffic"}, resp.Indicators)
	assert.Equal(t, catalog.DefaultPhases, resp.Phases)
}

func TestHandleMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{engine.ErrEntityNotFound, http.StatusNotFound},
		{engine.ErrNoDecision, http.StatusNotFound},
		{fmt.Errorf("x: %w", execution.ErrNotFound), http.StatusNotFound},
		{engine.ErrInvalidSample, http.StatusBadRequest},
		{engine.ErrInvalidOverride, http.StatusBadRequest},
		{execution.ErrInvalidProgress, http.StatusBadRequest},
		{execution.ErrInvalidTransition, http.StatusConflict},
		{engine.ErrRateLimited, http.StatusTooManyRequests},
		{engine.ErrInboxFull, http.StatusServiceUnavailable},
		{archive.ErrNotConfigured, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var he *echo.HTTPError
		require.ErrorAs(t, httpError(tt.err), &he)
		assert.Equal(t, tt.code, he.Code, tt.err.Error())
	}
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	errChan := make(chan error, 1)
	go func() {
		errChan <- env.server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || err == http.ErrServerClosed)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
