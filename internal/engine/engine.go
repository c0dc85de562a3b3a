// Package engine runs the per-entity gate pipeline on every tick:
// symbolize new samples, match rules, decide, propose PKGs, resolve resource
// contention and apply the resulting transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/conflict"
	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/metrics"
	"github.com/fyrsmithlabs/phasegate/internal/pattern"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/engine"

var (
	// ErrInvalidSample is returned for a sample without entity or metric.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrRateLimited is returned when ingestion could not get a token
	// before the context ended.
	ErrRateLimited = errors.New("ingestion rate limited")

	// ErrInboxFull is returned when an entity has too many samples waiting
	// for the next tick.
	ErrInboxFull = errors.New("entity inbox full")

	// ErrEntityNotFound is returned for an unknown entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrNoDecision is returned before an entity's first tick.
	ErrNoDecision = errors.New("no decision yet")

	// ErrInvalidOverride is returned for an override the mapping does not
	// know.
	ErrInvalidOverride = errors.New("invalid override")

	// ErrPipelinePanic wraps a recovered panic in one entity pipeline.
	ErrPipelinePanic = errors.New("entity pipeline panicked")
)

// MetricSample is one observation of a business metric for an entity.
type MetricSample struct {
	EntityID   string    `json:"entity_id"`
	Metric     string    `json:"metric"`
	Timestamp  time.Time `json:"timestamp"`
	RawValue   float64   `json:"raw_value"`
	SampleSize int       `json:"sample_size"`
}

// Config holds engine settings.
type Config struct {
	Workers         int
	TickInterval    time.Duration
	Window          int
	Timeframe       symbol.Timeframe
	InitialPhase    string
	AdvancePhase    bool
	MaxDeferrals    int
	ToleranceFactor float64
	Retention       time.Duration
	InboxSize       int

	Thresholds      decision.Thresholds
	Symbolizer      symbol.Config
	OverrideMapping gate.OverrideMapping

	IngestRate  float64
	IngestBurst int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.GOMAXPROCS(0),
		TickInterval:    time.Minute,
		Window:          symbol.DefaultWindow,
		Timeframe:       symbol.Timeframe1d,
		InitialPhase:    catalog.DefaultPhases[0],
		MaxDeferrals:    conflict.DefaultMaxDeferrals,
		ToleranceFactor: execution.DefaultToleranceFactor,
		Retention:       execution.DefaultRetention,
		InboxSize:       10000,
		Thresholds:      decision.DefaultThresholds(),
		Symbolizer:      symbol.DefaultConfig(),
		OverrideMapping: gate.DefaultOverrideMapping(),
		IngestRate:      500,
		IngestBurst:     1000,
	}
}

// Engine evaluates all entities once per tick.
type Engine struct {
	cfg   Config
	store *catalog.Store

	symbolizer *symbol.Symbolizer
	matcher    *pattern.Matcher
	aggregator *decision.Aggregator
	resolver   *conflict.Resolver
	limiter    *rate.Limiter

	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	publisher Publisher
	archiver  Archiver
	now       func() time.Time
	newID     func() string

	mu       sync.RWMutex
	entities map[string]*entity
	tick     atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracerProvider sets the tracer provider used for tick spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets the stream decisions and state changes go to.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithArchiver sets the sink for archived executions and decisions.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock overrides time.Now for decisions and executions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides execution ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine reading rules and PKGs from store.
func New(cfg Config, store *catalog.Store, opts ...Option) (*Engine, error) {
	if store == nil || store.Snapshot() == nil {
		return nil, errors.New("engine: catalog store is empty")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.InitialPhase == "" {
		cfg.InitialPhase = def.InitialPhase
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Thresholds == (decision.Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.OverrideMapping == nil {
		cfg.OverrideMapping = def.OverrideMapping
	}
	if cfg.IngestRate <= 0 {
		cfg.IngestRate = def.IngestRate
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = def.IngestBurst
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := cfg.OverrideMapping.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		symbolizer: symbol.NewSymbolizer(cfg.Symbolizer),
		resolver:   conflict.NewResolver(cfg.MaxDeferrals),
		limiter:    rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst),
		logger:     logging.Nop(),
		tracer:     otel.Tracer(instrumentationName),
		publisher:  nopPublisher{},
		now:        time.Now,
		entities:   make(map[string]*entity),
	}
	for _, opt := range opts {
		opt(e)
	}

	zl := e.logger.Underlying()
	e.matcher = pattern.NewMatcher(zl.Named("pattern"))
	e.aggregator = decision.NewAggregator(cfg.Thresholds, cfg.OverrideMapping, zl.Named("decision"))
	e.aggregator.OnInconsistency = func(string, error) {
		if e.metrics != nil {
			e.metrics.RecordInconsistency()
		}
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// CurrentTick returns the number of the last started tick.
func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }

// Register creates an entity in phase (the configured initial phase when
// empty). Registering a known entity is a no-op.
func (e *Engine) Register(entityID, phase string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidSample)
	}
	if phase == "" {
		phase = e.cfg.InitialPhase
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entities[entityID]; !ok {
		e.entities[entityID] = e.newEntity(entityID, phase)
	}
	return nil
}

func (e *Engine) newEntity(id, phase string) *entity {
	opts := []execution.Option{
		execution.WithClock(e.now),
		execution.WithToleranceFactor(e.cfg.ToleranceFactor),
		execution.WithRetention(e.cfg.Retention),
	}
	if e.newID != nil {
		opts = append(opts, execution.WithIDGenerator(e.newID))
	}
	return &entity{
		id:         id,
		phase:      phase,
		indicators: make(map[string]*symbol.Indicator),
		tracker:    execution.NewTracker(id, opts...),
	}
}

func (e *Engine) lookup(entityID string) (*entity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return ent, nil
}

func (e *Engine) getOrCreate(entityID string) *entity {
	e.mu.RLock()
	ent, ok := e.entities[entityID]
	e.mu.RUnlock()
	if ok {
		return ent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok = e.entities[entityID]; !ok {
		ent = e.newEntity(entityID, e.cfg.InitialPhase)
		e.entities[entityID] = ent
	}
	return ent
}

// Ingest queues a sample for the entity's next tick. Samples with a
// missing or non-finite value or no sample size are accepted and symbolized
// as zero-confidence Flat points.
func (e *Engine) Ingest(ctx context.Context, s MetricSample) error {
	if s.EntityID == "" || s.Metric == "" {
		e.rejected("invalid")
		return fmt.Errorf("%w: entity_id and metric are required", ErrInvalidSample)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		e.rejected("rate_limited")
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = e.now()
	}

	ent := e.getOrCreate(s.EntityID)
	if !ent.enqueue(s, e.cfg.InboxSize) {
		e.rejected("inbox_full")
		return fmt.Errorf("%w: %s", ErrInboxFull, s.EntityID)
	}
	e.logger.Trace(ctx, "sample queued",
		zap.String("entity.id", s.EntityID),
		zap.String("metric", s.Metric),
		zap.Float64("value", s.RawValue))
	return nil
}

func (e *Engine) rejected(reason string) {
	if e.metrics != nil {
		e.metrics.RecordRejectedSample(reason)
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick     uint64        `json:"tick"`
	Entities int           `json:"entities"`
	Failed   []string      `json:"failed,omitempty"`
	Running  int           `json:"running"`
	Duration time.Duration `json:"duration"`
}

// Tick evaluates every entity once. Entities run in parallel, bounded by
// Config.Workers; each entity's pipeline holds that entity's lock for its
// whole duration. A panic in one pipeline is recovered and reported in
// TickReport.Failed without affecting the others.
func (e *Engine) Tick(ctx context.Context) TickReport {
	start := time.Now()
	n := e.tick.Add(1)
	cat := e.store.Snapshot()

	e.mu.RLock()
	ents := make([]*entity, 0, len(e.entities))
	for _, ent := range e.entities {
		ents = append(ents, ent)
	}
	e.mu.RUnlock()
	sort.Slice(ents, func(i, j int) bool { return ents[i].id < ents[j].id })

	var (
		wg      sync.WaitGroup
		running atomic.Int64
		failMu  sync.Mutex
		failed  []string
	)
	sem := make(chan struct{}, e.cfg.Workers)

	for _, ent := range ents {
		wg.Add(1)
		go func(ent *entity) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			r, err := e.runEntity(ctx, ent, n, cat)
			if err != nil {
				failMu.Lock()
				failed = append(failed, ent.id)
				failMu.Unlock()
				return
			}
			running.Add(int64(r))
		}(ent)
	}
	wg.Wait()

	sort.Strings(failed)
	report := TickReport{
		Tick:     n,
		Entities: len(ents),
		Failed:   failed,
		Running:  int(running.Load()),
		Duration: time.Since(start),
	}
	if e.metrics != nil {
		e.metrics.RecordTick(report.Duration.Seconds(), report.Entities, report.Running)
	}
	e.logger.Debug(logging.WithTick(ctx, n), "tick complete",
		zap.Int("entities", report.Entities),
		zap.Int("failed", len(report.Failed)),
		zap.Int("running", report.Running),
		zap.Duration("duration", report.Duration))
	return report
}

// Run ticks every Config.TickInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info(ctx, "engine started",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Int("workers", e.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(context.Background(), "engine stopped", zap.Uint64("last_tick", e.CurrentTick()))
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}
