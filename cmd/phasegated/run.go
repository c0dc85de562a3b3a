package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phasegate/internal/archive"
	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	httpserver "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/metrics"
	"github.com/fyrsmithlabs/phasegate/internal/stream"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// pruneInterval is how often archived history past retention is deleted.
const pruneInterval = time.Hour

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Configuration
//  2. Telemetry, then the logger (which may bridge into OTEL)
//  3. Catalog and its file watcher
//  4. NATS publisher (log publisher when NATS is not configured)
//  5. SQLite archive
//  6. Engine and HTTP server
//
// Returns nil on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("starting phasegated",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("tick_interval", cfg.Engine.TickInterval.Duration()),
		zap.String("catalog", cfg.Catalog.Path))
	if tel.Health().Degraded {
		zl.Warn("telemetry degraded, exporting nothing")
	}

	m := metrics.NewMetrics()

	cat, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	store := catalog.NewStore(cat)

	var watcher *catalog.Watcher
	if cfg.Catalog.Watch {
		watcher, err = catalog.NewWatcher(cfg.Catalog.Path, store, zl,
			catalog.WithDebounce(cfg.Catalog.Debounce.Duration()),
			catalog.WithReloadHook(func(*catalog.Catalog) { m.RecordCatalogReload(true) }),
			catalog.WithErrorHook(func(error) { m.RecordCatalogReload(false) }),
		)
		if err != nil {
			return fmt.Errorf("failed to watch catalog: %w", err)
		}
	}

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracerProvider(tel.TracerProvider()),
		engine.WithMetrics(m),
		engine.WithPublisher(deps.publisher),
	}
	if deps.archive != nil {
		opts = append(opts, engine.WithArchiver(deps.archive))
	}
	eng, err := engine.New(engCfg, store, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	serverOpts := []httpserver.Option{
		httpserver.WithCatalog(store),
		httpserver.WithTelemetry(tel),
		httpserver.WithVersion(version),
	}
	if deps.archive != nil {
		serverOpts = append(serverOpts, httpserver.WithHistory(deps.archive))
	}
	srv, err := httpserver.NewServer(eng, zl, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if deps.archive != nil && cfg.Archive.Retention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, deps.archive, cfg.Archive.Retention.Duration(), zl)
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			tel.Shutdown(shutdownCtx),
		)
	})

	err = g.Wait()
	zl.Info("phasegated stopped", zap.Uint64("last_tick", eng.CurrentTick()), zap.Error(err))
	return err
}

// dependencies holds the outbound connections of the daemon.
type dependencies struct {
	publisher engine.Publisher
	nats      *stream.Publisher
	archive   *archive.Store
	logger    *zap.Logger
}

// Close drains NATS and closes the archive.
func (d *dependencies) Close() {
	if d.nats != nil {
		if err := d.nats.Close(); err != nil {
			d.logger.Warn("nats drain failed", zap.Error(err))
		}
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			d.logger.Warn("archive close failed", zap.Error(err))
		}
	}
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// initDependencies connects to NATS and opens the archive. Both are
// optional; NATS falls back to logging decisions.
func initDependencies(cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	zl := logger.Underlying()
	deps := &dependencies{logger: zl}

	if cfg.NATS.URL != "" {
		p, err := stream.Connect(cfg.NATS, zl.Named("nats"))
		if err != nil {
			return nil, err
		}
		deps.nats = p
		deps.publisher = p
	} else {
		zl.Info("nats not configured, logging decisions instead")
		deps.publisher = stream.NewLogPublisher(logger)
	}

	if cfg.Archive.Path != "" {
		a, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		deps.archive = a
		zl.Info("archive opened", zap.String("path", cfg.Archive.Path))
	}
	return deps, nil
}

// engineConfig maps the engine section of the daemon configuration.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	tf, err := symbol.ParseTimeframe(cfg.Engine.Timeframe)
	if err != nil {
		return engine.Config{}, fmt.Errorf("engine.timeframe: %w", err)
	}
	mapping, err := cfg.Override.Mapping()
	if err != nil {
		return engine.Config{}, err
	}

	ec := engine.DefaultConfig()
	ec.Workers = cfg.Engine.Workers
	ec.TickInterval = cfg.Engine.TickInterval.Duration()
	ec.Window = cfg.Engine.Window
	ec.Timeframe = tf
	ec.InitialPhase = cfg.Engine.InitialPhase
	ec.AdvancePhase = cfg.Engine.AdvancePhase
	ec.MaxDeferrals = cfg.Engine.MaxDeferrals
	ec.ToleranceFactor = cfg.Engine.ToleranceFactor
	ec.Retention = cfg.Engine.Retention.Duration()
	ec.Thresholds = cfg.Engine.Thresholds
	ec.Symbolizer = cfg.Engine.Symbolizer
	ec.OverrideMapping = mapping
	ec.IngestRate = cfg.Ingest.RatePerSecond
	ec.IngestBurst = cfg.Ingest.Burst
	return ec, nil
}

// pruneLoop deletes archived history older than retention, once at start
// and then every pruneInterval.
func pruneLoop(ctx context.Context, a *archive.Store, retention time.Duration, logger *zap.Logger) {
	prune := func() {
		n, err := a.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("archive prune failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Info("archive pruned", zap.Int64("rows", n), zap.Duration("retention", retention))
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
