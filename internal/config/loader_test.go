package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phasegate.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	// WriteFile honours umask; force the mode under test.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `server:
  http_port: 9191
engine:
  workers: 4
  tick_interval: 30s
  timeframe: 4h
  advance_phase: true
  thresholds:
    proceed: 0.9
    optimize: 0.7
    pivot: 0.3
catalog:
  path: /etc/phasegate/catalog.yaml
  watch: true
nats:
  url: nats://localhost:4222
  token: s3cr3t
archive:
  path: /var/lib/phasegate/archive.db
override:
  hold: pivot
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.TickInterval.Duration() != 30*time.Second {
		t.Errorf("Engine.TickInterval = %v, want 30s", cfg.Engine.TickInterval.Duration())
	}
	if cfg.Engine.Timeframe != "4h" {
		t.Errorf("Engine.Timeframe = %q, want 4h", cfg.Engine.Timeframe)
	}
	if !cfg.Engine.AdvancePhase {
		t.Error("Engine.AdvancePhase = false, want true")
	}
	if cfg.Engine.Thresholds.Proceed != 0.9 {
		t.Errorf("Engine.Thresholds.Proceed = %v, want 0.9", cfg.Engine.Thresholds.Proceed)
	}
	if !cfg.Catalog.Watch {
		t.Error("Catalog.Watch = false, want true")
	}
	if cfg.NATS.Token.Value() != "s3cr3t" {
		t.Errorf("NATS.Token not loaded")
	}
	if cfg.NATS.Token.String() != "[REDACTED]" {
		t.Errorf("NATS.Token.String() = %q, want redacted", cfg.NATS.Token.String())
	}
	if cfg.Archive.Path != "/var/lib/phasegate/archive.db" {
		t.Errorf("Archive.Path = %q", cfg.Archive.Path)
	}

	m, err := cfg.Override.Mapping()
	if err != nil {
		t.Fatalf("Override.Mapping() error = %v", err)
	}
	if m["hold"] != "pivot" {
		t.Errorf("override hold maps to %q, want pivot", m["hold"])
	}
	if m["approve"] != "proceed" {
		t.Errorf("override approve maps to %q, want proceed", m["approve"])
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PHASEGATE_CATALOG_PATH", "/tmp/catalog.yaml")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Server.Port != 8480 {
		t.Errorf("Server.Port = %d, want 8480", cfg.Server.Port)
	}
	if cfg.Engine.Window != 7 {
		t.Errorf("Engine.Window = %d, want 7", cfg.Engine.Window)
	}
	if cfg.Engine.MaxDeferrals != 0 {
		t.Errorf("Engine.MaxDeferrals = %d, want 0 (no cap)", cfg.Engine.MaxDeferrals)
	}
	if cfg.Engine.ToleranceFactor != 2.0 {
		t.Errorf("Engine.ToleranceFactor = %v, want 2", cfg.Engine.ToleranceFactor)
	}
	if cfg.Engine.Retention.Duration() != 24*time.Hour {
		t.Errorf("Engine.Retention = %v, want 24h", cfg.Engine.Retention.Duration())
	}
	if cfg.Engine.Thresholds.Proceed != 0.8 || cfg.Engine.Thresholds.Optimize != 0.6 || cfg.Engine.Thresholds.Pivot != 0.2 {
		t.Errorf("Engine.Thresholds = %+v, want 0.8/0.6/0.2", cfg.Engine.Thresholds)
	}
	if cfg.Engine.Symbolizer.StrongThreshold != 0.05 {
		t.Errorf("Engine.Symbolizer.StrongThreshold = %v, want 0.05", cfg.Engine.Symbolizer.StrongThreshold)
	}
	if cfg.Engine.Workers < 1 {
		t.Errorf("Engine.Workers = %d, want >= 1", cfg.Engine.Workers)
	}
	if cfg.NATS.SubjectPrefix != "phasegate" {
		t.Errorf("NATS.SubjectPrefix = %q, want phasegate", cfg.NATS.SubjectPrefix)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `engine:
  workers: 2
catalog:
  path: /etc/phasegate/catalog.yaml
`, 0600)

	t.Setenv("PHASEGATE_ENGINE_WORKERS", "16")
	t.Setenv("PHASEGATE_ENGINE_TICK_INTERVAL", "5s")
	t.Setenv("PHASEGATE_NATS_URL", "nats://broker:4222")
	t.Setenv("PHASEGATE_SERVER_HTTP_PORT", "9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Engine.Workers != 16 {
		t.Errorf("Engine.Workers = %d, want 16 (env wins)", cfg.Engine.Workers)
	}
	if cfg.Engine.TickInterval.Duration() != 5*time.Second {
		t.Errorf("Engine.TickInterval = %v, want 5s", cfg.Engine.TickInterval.Duration())
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "engine: [unclosed\n", 0600)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestLoad_Validation(t *testing.T) {
	path := writeConfig(t, `engine:
  thresholds:
    proceed: 0.5
    optimize: 0.7
    pivot: 0.2
catalog:
  path: /etc/phasegate/catalog.yaml
`, 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want threshold validation error")
	}
	if !strings.Contains(err.Error(), "engine.thresholds") {
		t.Errorf("error = %v, want engine.thresholds", err)
	}
}

func TestLoad_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "catalog:\n  path: /x.yaml\n", 0666)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want permission error")
	}
	if !strings.Contains(err.Error(), "world writable") {
		t.Errorf("error = %v, want world writable", err)
	}
}

func TestLoad_ReadOnlyPermissionsAccepted(t *testing.T) {
	for _, perm := range []os.FileMode{0600, 0400, 0640, 0644} {
		path := writeConfig(t, "catalog:\n  path: /x.yaml\n", perm)
		if _, err := Load(path); err != nil {
			t.Errorf("Load() with %v error = %v, want nil", perm, err)
		}
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("catalog:\n  path: /x.yaml\n")
	for buf.Len() <= maxConfigFileSize {
		buf.WriteString("# padding padding padding padding padding padding\n")
	}
	path := writeConfig(t, buf.String(), 0600)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Load() error = %v, want too large", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PHASEGATE_ENGINE_TICK_INTERVAL": "engine.tick_interval",
		"PHASEGATE_SERVER_HTTP_PORT":     "server.http_port",
		"PHASEGATE_NATS_URL":             "nats.url",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
