package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// entity is the mutable state of one venture. mu guards everything but the
// inbox, which has its own lock so ingestion never waits on a tick.
type entity struct {
	id string

	inboxMu sync.Mutex
	inbox   []MetricSample

	mu         sync.Mutex
	phase      string
	indicators map[string]*symbol.Indicator
	tracker    *execution.Tracker
	override   gate.Override
	decision   *decision.GateDecision
	proposal   execution.Proposal
	lastTick   uint64

	// lastKey is phase/effective-action of the previous decision; PKGs are
	// proposed only when it changes or an override was applied.
	lastKey string
}

func (ent *entity) enqueue(s MetricSample, limit int) bool {
	ent.inboxMu.Lock()
	defer ent.inboxMu.Unlock()
	if len(ent.inbox) >= limit {
		return false
	}
	ent.inbox = append(ent.inbox, s)
	return true
}

func (ent *entity) drain() []MetricSample {
	ent.inboxMu.Lock()
	defer ent.inboxMu.Unlock()
	out := ent.inbox
	ent.inbox = nil
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// runEntity runs one pipeline with the entity locked and returns the number
// of Running executions afterwards.
func (e *Engine) runEntity(ctx context.Context, ent *entity, tick uint64, cat *catalog.Catalog) (running int, err error) {
	ctx = logging.WithTick(logging.WithEntity(ctx, ent.id), tick)
	ctx, span := e.tracer.Start(ctx, "engine.tick", trace.WithAttributes(
		attribute.String("entity.id", ent.id),
		attribute.Int64("tick", int64(tick)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline panic")
			e.logger.Error(ctx, "pipeline panic", zap.Any("panic", r), zap.Stack("stack"))
			if e.metrics != nil {
				e.metrics.RecordPanic()
			}
		}
		if e.metrics != nil {
			e.metrics.RecordEntityTick(time.Since(start).Seconds())
		}
	}()

	ent.mu.Lock()
	defer ent.mu.Unlock()

	d := e.step(ctx, ent, tick, cat)
	span.SetAttributes(
		attribute.String("gate.phase", d.Phase),
		attribute.String("gate.action", string(d.EffectiveAction)),
		attribute.Float64("gate.score", d.ReadinessScore),
	)
	return ent.tracker.Counts()[execution.StatusRunning], nil
}

// step is the pipeline body. The caller holds ent.mu.
func (e *Engine) step(ctx context.Context, ent *entity, tick uint64, cat *catalog.Catalog) decision.GateDecision {
	now := e.now()
	ent.lastTick = tick

	for _, s := range ent.drain() {
		e.observe(ctx, ent, s)
	}

	rules := cat.RulesFor(ent.phase)
	verdicts := e.matcher.Evaluate(rules, ent.indicators)

	override := ent.override
	ent.override = gate.OverrideNone

	d := e.aggregator.Decide(decision.Input{
		EntityID: ent.id,
		Tick:     tick,
		Phase:    ent.phase,
		Rules:    rules,
		Verdicts: verdicts,
		Override: override,
		Now:      now,
	})

	ent.tracker.Requeue(cat)

	var proposal execution.Proposal
	key := d.Phase + "/" + string(d.EffectiveAction)
	if key != ent.lastKey || override != gate.OverrideNone {
		proposal = ent.tracker.Propose(d.EffectiveAction, ent.phase, tick, cat)
		if e.cfg.AdvancePhase && d.EffectiveAction == gate.ActionProceed {
			if next, ok := cat.NextPhase(ent.phase); ok {
				addReason(&d, fmt.Sprintf("phase advanced %s -> %s", ent.phase, next))
				e.logger.Info(ctx, "phase advanced", zap.String("from", ent.phase), zap.String("to", next))
				ent.phase = next
			}
		}
	}
	ent.lastKey = key

	for _, trig := range cat.Triggers {
		ind, ok := ent.indicators[trig.Metric]
		if !ok {
			continue
		}
		last, ok := ind.Last()
		if !ok || math.IsNaN(last.RawValue) || math.IsInf(last.RawValue, 0) {
			continue
		}
		p, fired := ent.tracker.ProposeTrigger(trig, last.RawValue, tick, cat)
		proposal.Created = append(proposal.Created, p.Created...)
		proposal.Alternatives = append(proposal.Alternatives, p.Alternatives...)
		if fired {
			addReason(&d, fmt.Sprintf("trigger %s breached: %s=%g, proposing %s", trig.ID, trig.Metric, last.RawValue, trig.Package))
			e.logger.Warn(ctx, "emergency trigger fired",
				zap.String("trigger", trig.ID),
				zap.String("metric", trig.Metric),
				zap.Float64("value", last.RawValue),
				zap.String("pkg.id", trig.Package))
		}
	}

	res := e.resolver.Resolve(ent.tracker.Candidates(), ent.tracker.Holders())
	escalations, err := ent.tracker.Apply(res)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		e.logger.Error(ctx, "applying resolution failed", zap.Error(err))
	}
	escalations = append(escalations, ent.tracker.CheckStale()...)

	if swept := ent.tracker.Sweep(); len(swept) > 0 && e.archiver != nil {
		if err := e.archiver.ArchiveExecutions(ctx, swept); err != nil {
			e.logger.Warn(ctx, "archiving executions failed", zap.Int("count", len(swept)), zap.Error(err))
		}
	}

	e.flush(ctx, ent)
	for _, esc := range escalations {
		e.escalate(ctx, esc)
	}

	if err := e.publisher.PublishDecision(ctx, d); err != nil {
		e.logger.Warn(ctx, "publishing decision failed", zap.Error(err))
	}
	changed := ent.decision == nil || ent.decision.EffectiveAction != d.EffectiveAction || ent.decision.Phase != d.Phase
	if changed && e.archiver != nil {
		if err := e.archiver.ArchiveDecision(ctx, d); err != nil {
			e.logger.Warn(ctx, "archiving decision failed", zap.Error(err))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordDecision(string(d.EffectiveAction))
	}
	e.logger.Debug(ctx, "gate decided",
		zap.String("phase", d.Phase),
		zap.String("action", string(d.EffectiveAction)),
		zap.Float64("score", d.ReadinessScore),
		zap.Int("proposed", len(proposal.Created)))

	ent.decision = &d
	ent.proposal = proposal
	return d
}

// observe appends one sample to its indicator window.
func (e *Engine) observe(ctx context.Context, ent *entity, s MetricSample) {
	ind, ok := ent.indicators[s.Metric]
	if !ok {
		ind = symbol.NewIndicator(s.Metric, e.cfg.Timeframe, e.cfg.Window)
		ent.indicators[s.Metric] = ind
	}
	p := ind.Append(e.symbolizer, s.Timestamp, s.RawValue, s.SampleSize)
	if e.metrics != nil {
		e.metrics.RecordSample(p.LowConfidence)
	}
	e.logger.Trace(ctx, "sample symbolized",
		zap.String("metric", s.Metric),
		zap.String("symbol", p.Symbol.String()),
		zap.Float64("confidence", p.Confidence),
		zap.Bool("low_confidence", p.LowConfidence))
}

// flush publishes the tracker's pending state changes in order.
func (e *Engine) flush(ctx context.Context, ent *entity) {
	for _, c := range ent.tracker.Drain() {
		if e.metrics != nil {
			e.metrics.RecordTransition(string(c.To))
		}
		e.logger.Debug(ctx, "execution transition",
			zap.String("execution.id", c.Execution.ID),
			zap.String("pkg.id", c.Execution.PKGID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.String("reason", c.Reason))
		if err := e.publisher.PublishStateChange(ctx, c); err != nil {
			e.logger.Warn(ctx, "publishing state change failed", zap.String("execution.id", c.Execution.ID), zap.Error(err))
		}
	}
}

func (e *Engine) escalate(ctx context.Context, esc execution.Escalation) {
	if e.metrics != nil {
		e.metrics.RecordEscalation(string(esc.Kind))
	}
	e.logger.Warn(ctx, "execution escalated",
		zap.String("kind", string(esc.Kind)),
		zap.String("execution.id", esc.Execution.ID),
		zap.String("pkg.id", esc.Execution.PKGID),
		zap.String("reason", esc.Reason))
	if err := e.publisher.PublishEscalation(ctx, esc); err != nil {
		e.logger.Warn(ctx, "publishing escalation failed", zap.Error(err))
	}
}

// addReason inserts a line just above the final line of the trace.
func addReason(d *decision.GateDecision, line string) {
	n := len(d.Reasoning)
	if n == 0 {
		d.Reasoning = []string{line}
		return
	}
	final := d.Reasoning[n-1]
	d.Reasoning = append(d.Reasoning[:n-1:n-1], line, final)
}
