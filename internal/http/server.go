// Package http provides the REST API of phasegated.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// Engine is the part of the gate engine the API drives.
type Engine interface {
	CurrentTick() uint64
	Register(entityID, phase string) error
	Ingest(ctx context.Context, s engine.MetricSample) error
	Entities() []engine.EntitySummary
	Decision(entityID string) (decision.GateDecision, error)
	Proposal(entityID string) (execution.Proposal, error)
	Executions(entityID string) ([]execution.Execution, error)
	Indicators(entityID string) (map[string]*symbol.Indicator, error)
	Override(ctx context.Context, entityID string, o gate.Override) error
	Progress(ctx context.Context, entityID, execID string, pct float64) error
	Complete(ctx context.Context, entityID, execID, note string) error
	Fail(ctx context.Context, entityID, execID, reason string) error
}

// History serves archived decisions and executions.
type History interface {
	Ping(ctx context.Context) error
	Decisions(ctx context.Context, entityID string, limit int) ([]decision.GateDecision, error)
	Executions(ctx context.Context, entityID string, status execution.Status, limit int) ([]execution.Execution, error)
}

// Server provides HTTP endpoints for phasegated.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	history History
	catalog *catalog.Store
	tel     *telemetry.Telemetry
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithHistory enables the archive routes.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithCatalog exposes the active catalog summary.
func WithCatalog(store *catalog.Store) Option {
	return func(s *Server) { s.catalog = store }
}

// WithTelemetry reports telemetry health and records request metrics with
// its meter provider.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = tel }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	var mp metric.MeterProvider
	if s.tel != nil {
		mp = s.tel.MeterProvider()
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("4M"))
	e.Use(NewHTTPMetrics(mp, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Resolve the status before logging.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/samples", s.handleIngest)
	v1.GET("/catalog", s.handleCatalog)

	v1.GET("/entities", s.handleListEntities)
	v1.POST("/entities", s.handleRegister)
	v1.GET("/entities/:id/decision", s.handleDecision)
	v1.GET("/entities/:id/proposal", s.handleProposal)
	v1.GET("/entities/:id/indicators", s.handleIndicators)
	v1.GET("/entities/:id/executions", s.handleExecutions)
	v1.POST("/entities/:id/override", s.handleOverride)
	v1.POST("/entities/:id/executions/:exec/progress", s.handleProgress)
	v1.POST("/entities/:id/executions/:exec/complete", s.handleComplete)
	v1.POST("/entities/:id/executions/:exec/fail", s.handleFail)

	v1.GET("/entities/:id/history/decisions", s.handleDecisionHistory)
	v1.GET("/entities/:id/history/executions", s.handleExecutionHistory)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))
	return s.echo.Start(s.Addr())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
