package engine

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
)

// Publisher receives every decision, execution state change and escalation
// as it happens. Calls for one entity are made in order with that entity
// locked; errors are logged and never fail a tick.
type Publisher interface {
	PublishDecision(ctx context.Context, d decision.GateDecision) error
	PublishStateChange(ctx context.Context, c execution.StateChange) error
	PublishEscalation(ctx context.Context, e execution.Escalation) error
}

// Archiver keeps history the engine no longer holds in memory: terminal
// executions after retention and decisions whose action or phase changed.
type Archiver interface {
	ArchiveDecision(ctx context.Context, d decision.GateDecision) error
	ArchiveExecutions(ctx context.Context, execs []execution.Execution) error
}

type nopPublisher struct{}

func (nopPublisher) PublishDecision(context.Context, decision.GateDecision) error     { return nil }
func (nopPublisher) PublishStateChange(context.Context, execution.StateChange) error { return nil }
func (nopPublisher) PublishEscalation(context.Context, execution.Escalation) error   { return nil }

// MultiPublisher fans out to several publishers and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishDecision(ctx context.Context, d decision.GateDecision) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishDecision(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) PublishStateChange(ctx context.Context, c execution.StateChange) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishStateChange(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) PublishEscalation(ctx context.Context, e execution.Escalation) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishEscalation(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
