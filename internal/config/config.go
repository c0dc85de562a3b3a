// Package config provides configuration loading for phasegate.
//
// Configuration is read from an optional YAML file and overridden by
// PHASEGATE_-prefixed environment variables, then completed with defaults
// and validated.
package config

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// Config holds the complete phasegate configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Engine    EngineConfig    `koanf:"engine"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	NATS      NATSConfig      `koanf:"nats"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Override  OverrideConfig  `koanf:"override"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig holds tick engine configuration.
type EngineConfig struct {
	// Workers bounds how many entities are evaluated in parallel.
	Workers         int      `koanf:"workers"`
	TickInterval    Duration `koanf:"tick_interval"`
	Window          int      `koanf:"window"`
	Timeframe       string   `koanf:"timeframe"`
	InitialPhase    string   `koanf:"initial_phase"`
	AdvancePhase    bool     `koanf:"advance_phase"`
	// MaxDeferrals caps consecutive stalled deferrals; 0 means no cap.
	MaxDeferrals    int      `koanf:"max_deferrals"`
	ToleranceFactor float64  `koanf:"tolerance_factor"`
	Retention       Duration `koanf:"retention"`

	Thresholds decision.Thresholds `koanf:"thresholds"`
	Symbolizer symbol.Config       `koanf:"symbolizer"`
}

// CatalogConfig locates the rule and PKG catalog.
type CatalogConfig struct {
	Path     string   `koanf:"path"`
	Watch    bool     `koanf:"watch"`
	Debounce Duration `koanf:"debounce"`
}

// NATSConfig configures the decision and state-change streams. An empty URL
// publishes to the log only.
type NATSConfig struct {
	URL            string   `koanf:"url"`
	Token          Secret   `koanf:"token"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// ArchiveConfig configures the sqlite archive. An empty path disables it.
type ArchiveConfig struct {
	Path string `koanf:"path"`

	// Retention prunes archived rows older than this; zero keeps everything.
	Retention Duration `koanf:"retention"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// IngestConfig rate limits sample ingestion for the whole process.
type IngestConfig struct {
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// OverrideConfig maps human overrides onto effective actions.
type OverrideConfig struct {
	Approve string `koanf:"approve"`
	Hold    string `koanf:"hold"`
	Reject  string `koanf:"reject"`
}

// Mapping converts the section into a gate.OverrideMapping, validating every
// action name.
func (o OverrideConfig) Mapping() (gate.OverrideMapping, error) {
	m := gate.OverrideMapping{}
	for _, e := range []struct {
		override gate.Override
		action   string
	}{
		{gate.OverrideApprove, o.Approve},
		{gate.OverrideHold, o.Hold},
		{gate.OverrideReject, o.Reject},
	} {
		a, err := gate.ParseAction(e.action)
		if err != nil {
			return nil, fmt.Errorf("override.%s: %w", e.override, err)
		}
		m[e.override] = a
	}
	return m, m.Validate()
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8480
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = Duration(time.Minute)
	}
	if cfg.Engine.Window == 0 {
		cfg.Engine.Window = symbol.DefaultWindow
	}
	if cfg.Engine.Timeframe == "" {
		cfg.Engine.Timeframe = string(symbol.Timeframe1d)
	}
	if cfg.Engine.InitialPhase == "" {
		cfg.Engine.InitialPhase = "lp_validation"
	}
	if cfg.Engine.ToleranceFactor == 0 {
		cfg.Engine.ToleranceFactor = 2.0
	}
	if cfg.Engine.Retention == 0 {
		cfg.Engine.Retention = Duration(24 * time.Hour)
	}
	if cfg.Engine.Thresholds == (decision.Thresholds{}) {
		cfg.Engine.Thresholds = decision.DefaultThresholds()
	}
	sym := symbol.DefaultConfig()
	if cfg.Engine.Symbolizer.Epsilon == 0 {
		cfg.Engine.Symbolizer.Epsilon = sym.Epsilon
	}
	if cfg.Engine.Symbolizer.StrongThreshold == 0 {
		cfg.Engine.Symbolizer.StrongThreshold = sym.StrongThreshold
	}
	if cfg.Engine.Symbolizer.WeakThreshold == 0 {
		cfg.Engine.Symbolizer.WeakThreshold = sym.WeakThreshold
	}
	if cfg.Engine.Symbolizer.SampleScale == 0 {
		cfg.Engine.Symbolizer.SampleScale = sym.SampleScale
	}
	if cfg.Engine.Symbolizer.VarianceWeight == 0 {
		cfg.Engine.Symbolizer.VarianceWeight = sym.VarianceWeight
	}

	if cfg.Catalog.Debounce == 0 {
		cfg.Catalog.Debounce = Duration(250 * time.Millisecond)
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "phasegate"
	}
	if cfg.NATS.ConnectTimeout == 0 {
		cfg.NATS.ConnectTimeout = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "phasegate"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Ingest.RatePerSecond == 0 {
		cfg.Ingest.RatePerSecond = 500
	}
	if cfg.Ingest.Burst == 0 {
		cfg.Ingest.Burst = 1000
	}

	defaults := gate.DefaultOverrideMapping()
	if cfg.Override.Approve == "" {
		cfg.Override.Approve = string(defaults[gate.OverrideApprove])
	}
	if cfg.Override.Hold == "" {
		cfg.Override.Hold = string(defaults[gate.OverrideHold])
	}
	if cfg.Override.Reject == "" {
		cfg.Override.Reject = string(defaults[gate.OverrideReject])
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be >= 1, got %d", c.Engine.Workers))
	}
	if c.Engine.TickInterval.Duration() <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Engine.Window < 2 {
		errs = append(errs, fmt.Errorf("engine.window must be >= 2, got %d", c.Engine.Window))
	}
	if _, err := symbol.ParseTimeframe(c.Engine.Timeframe); err != nil {
		errs = append(errs, fmt.Errorf("engine.timeframe: %w", err))
	}
	if c.Engine.MaxDeferrals < 0 {
		errs = append(errs, errors.New("engine.max_deferrals must be >= 0"))
	}
	if c.Engine.ToleranceFactor <= 0 || math.IsInf(c.Engine.ToleranceFactor, 0) {
		errs = append(errs, errors.New("engine.tolerance_factor must be a positive number"))
	}
	if err := c.Engine.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.thresholds: %w", err))
	}
	if c.Engine.Symbolizer.WeakThreshold >= c.Engine.Symbolizer.StrongThreshold {
		errs = append(errs, errors.New("engine.symbolizer: weak_threshold must be below strong_threshold"))
	}

	if c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	if c.Ingest.RatePerSecond <= 0 || c.Ingest.Burst < 1 {
		errs = append(errs, errors.New("ingest.rate_per_second and ingest.burst must be positive"))
	}

	if _, err := c.Override.Mapping(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
