package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
)

// LogPublisher writes events to the log instead of a broker. It is used when
// no NATS URL is configured.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger discards events.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogPublisher{logger: logger.Named("stream")}
}

func (p *LogPublisher) PublishDecision(ctx context.Context, d decision.GateDecision) error {
	p.logger.Info(ctx, "gate decision",
		zap.String("entity.id", d.EntityID),
		zap.Uint64("tick", d.Tick),
		zap.String("phase", d.Phase),
		zap.String("recommended", string(d.RecommendedAction)),
		zap.String("effective", string(d.EffectiveAction)),
		zap.Float64("score", d.ReadinessScore),
		zap.Bool("review_requested", d.ReviewRequested),
		zap.Strings("reasoning", d.Reasoning))
	return nil
}

func (p *LogPublisher) PublishStateChange(ctx context.Context, c execution.StateChange) error {
	p.logger.Info(ctx, "execution state change",
		zap.String("entity.id", c.Execution.EntityID),
		zap.String("execution.id", c.Execution.ID),
		zap.String("pkg.id", c.Execution.PKGID),
		zap.String("from", string(c.From)),
		zap.String("to", string(c.To)),
		zap.String("reason", c.Reason))
	return nil
}

func (p *LogPublisher) PublishEscalation(ctx context.Context, e execution.Escalation) error {
	p.logger.Warn(ctx, "execution escalation",
		zap.String("entity.id", e.Execution.EntityID),
		zap.String("execution.id", e.Execution.ID),
		zap.String("pkg.id", e.Execution.PKGID),
		zap.String("kind", string(e.Kind)),
		zap.String("reason", e.Reason))
	return nil
}
