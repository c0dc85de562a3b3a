package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "phasegate", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318",
		Protocol:    ProtocolHTTP,
		ServiceName: "phasegated",
		Insecure:    true,
		SampleRate:  0.25,
	}, "1.2.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http://127.0.0.1:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "phasegated", cfg.ServiceName)
	assert.Equal(t, "1.2.0", cfg.ServiceVersion)
	assert.Equal(t, 0.25, cfg.SampleRate)
	require.NoError(t, cfg.Validate())

	// Empty settings keep the defaults.
	cfg = FromSettings(config.TelemetryConfig{}, "")
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "dev", cfg.ServiceVersion)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "disabled skips validation", modify: func(c *Config) { c.Enabled = false; c.Endpoint = "" }},
		{name: "missing endpoint", modify: func(c *Config) { c.Endpoint = "" }, errMsg: "endpoint is required"},
		{name: "missing service name", modify: func(c *Config) { c.ServiceName = "" }, errMsg: "service_name is required"},
		{name: "unknown protocol", modify: func(c *Config) { c.Protocol = "thrift" }, errMsg: "protocol must be"},
		{name: "insecure remote", modify: func(c *Config) { c.Endpoint = "otel.example.com:4317" }, errMsg: "insecure connections"},
		{name: "secure remote", modify: func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }},
		{name: "sample rate too low", modify: func(c *Config) { c.SampleRate = -0.1 }, errMsg: "sample_rate"},
		{name: "sample rate too high", modify: func(c *Config) { c.SampleRate = 1.1 }, errMsg: "sample_rate"},
		{name: "zero export interval", modify: func(c *Config) { c.ExportInterval = 0 }, errMsg: "export interval"},
		{name: "metrics disabled ignores interval", modify: func(c *Config) { c.MetricsEnabled = false; c.ExportInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"localhost", true},
		{"127.0.0.1:4317", true},
		{"127.0.1.1:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"http://localhost:4318", true},
		{"https://127.0.0.1:4318", true},
		{"otel.example.com:4317", false},
		{"10.0.0.5:4317", false},
		{"localhost.example.com:4317", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := &Config{Endpoint: tt.endpoint}
			assert.Equal(t, tt.want, cfg.isLocalEndpoint())
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}
