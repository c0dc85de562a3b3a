package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// EntitySummary is the read-only projection of one entity.
type EntitySummary struct {
	ID         string                   `json:"id"`
	Phase      string                   `json:"phase"`
	LastTick   uint64                   `json:"last_tick"`
	Action     gate.Action              `json:"action,omitempty"`
	Executions map[execution.Status]int `json:"executions"`
}

// Entities lists every known entity ordered by ID.
func (e *Engine) Entities() []EntitySummary {
	e.mu.RLock()
	ents := make([]*entity, 0, len(e.entities))
	for _, ent := range e.entities {
		ents = append(ents, ent)
	}
	e.mu.RUnlock()
	sort.Slice(ents, func(i, j int) bool { return ents[i].id < ents[j].id })

	out := make([]EntitySummary, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		s := EntitySummary{
			ID:         ent.id,
			Phase:      ent.phase,
			LastTick:   ent.lastTick,
			Executions: ent.tracker.Counts(),
		}
		if ent.decision != nil {
			s.Action = ent.decision.EffectiveAction
		}
		ent.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// Decision returns the entity's latest gate decision.
func (e *Engine) Decision(entityID string) (decision.GateDecision, error) {
	ent, err := e.lookup(entityID)
	if err != nil {
		return decision.GateDecision{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.decision == nil {
		return decision.GateDecision{}, fmt.Errorf("%w: %s", ErrNoDecision, entityID)
	}
	d := *ent.decision
	d.Reasoning = append([]string(nil), ent.decision.Reasoning...)
	return d, nil
}

// Proposal returns what the latest tick proposed for the entity, including
// the skipped alternatives.
func (e *Engine) Proposal(entityID string) (execution.Proposal, error) {
	ent, err := e.lookup(entityID)
	if err != nil {
		return execution.Proposal{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return execution.Proposal{
		Created:      append([]execution.Execution(nil), ent.proposal.Created...),
		Alternatives: append([]execution.Alternative(nil), ent.proposal.Alternatives...),
	}, nil
}

// Executions returns the entity's retained executions.
func (e *Engine) Executions(entityID string) ([]execution.Execution, error) {
	ent, err := e.lookup(entityID)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.tracker.List(), nil
}

// Indicators returns copies of the entity's indicator windows, keyed by
// metric.
func (e *Engine) Indicators(entityID string) (map[string]*symbol.Indicator, error) {
	ent, err := e.lookup(entityID)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	out := make(map[string]*symbol.Indicator, len(ent.indicators))
	for k, ind := range ent.indicators {
		out[k] = ind.Clone()
	}
	return out, nil
}

// Override records an operator override for the entity's next tick. A later
// override before that tick replaces the earlier one; OverrideNone clears it.
func (e *Engine) Override(ctx context.Context, entityID string, o gate.Override) error {
	if _, ok := e.cfg.OverrideMapping[o]; !ok && o != gate.OverrideNone {
		return fmt.Errorf("%w: unmapped override %q", ErrInvalidOverride, o)
	}
	ent, err := e.lookup(entityID)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	ent.override = o
	ent.mu.Unlock()

	e.logger.Info(logging.WithEntity(ctx, entityID), "override recorded", zap.String("override", o.String()))
	return nil
}

// Progress reports progress on a Running execution.
func (e *Engine) Progress(ctx context.Context, entityID, execID string, pct float64) error {
	return e.mutate(ctx, entityID, func(t *execution.Tracker) error {
		return t.Progress(execID, pct)
	})
}

// Complete marks a Running execution completed.
func (e *Engine) Complete(ctx context.Context, entityID, execID, note string) error {
	return e.mutate(ctx, entityID, func(t *execution.Tracker) error {
		return t.Complete(execID, note)
	})
}

// Fail marks a Running execution failed.
func (e *Engine) Fail(ctx context.Context, entityID, execID, reason string) error {
	return e.mutate(ctx, entityID, func(t *execution.Tracker) error {
		return t.Fail(execID, reason)
	})
}

// mutate applies fn under the entity lock and publishes the resulting state
// changes right away rather than waiting for the next tick.
func (e *Engine) mutate(ctx context.Context, entityID string, fn func(*execution.Tracker) error) error {
	ent, err := e.lookup(entityID)
	if err != nil {
		return err
	}
	ctx = logging.WithEntity(ctx, entityID)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := fn(ent.tracker); err != nil {
		return err
	}
	e.flush(ctx, ent)
	return nil
}
