package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

const testCatalog = `version: "test"
rules:
  - id: traffic-rising
    phase: lp_validation
    action: proceed
    conditions:
      - indicator: traffic
        pattern: [up, up, up]
packages:
  - id: pkg-scale-ads
    action: proceed
    priority: 1
    resources: [ad_budget]
`

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Timeframe = "4h"
	cfg.Engine.AdvancePhase = true
	cfg.Override.Hold = "pivot"
	cfg.Ingest.RatePerSecond = 50

	ec, err := engineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, symbol.Timeframe("4h"), ec.Timeframe)
	assert.True(t, ec.AdvancePhase)
	assert.Equal(t, gate.ActionPivot, ec.OverrideMapping[gate.OverrideHold])
	assert.Equal(t, 50.0, ec.IngestRate)
	assert.Equal(t, cfg.Engine.TickInterval.Duration(), ec.TickInterval)

	cfg.Engine.Timeframe = "fortnight"
	_, err = engineConfig(cfg)
	assert.Error(t, err)
}

func TestRun_MissingCatalog(t *testing.T) {
	t.Setenv("PHASEGATE_CATALOG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	err := run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o600))

	port := freePort(t)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`server:
  host: 127.0.0.1
  http_port: %d
engine:
  tick_interval: 50ms
catalog:
  path: %s
  watch: true
archive:
  path: %s
  retention: 720h
logging:
  level: warn
`, port, catalogPath, filepath.Join(dir, "archive.db"))), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, configPath)
	}()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
