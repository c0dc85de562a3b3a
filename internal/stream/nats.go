// Package stream publishes gate decisions, execution state changes and
// escalations to NATS.
//
// Events are JSON encoded and published to:
//   - {prefix}.decisions.{entity_id}
//   - {prefix}.executions.{entity_id}.{status}
//   - {prefix}.escalations.{entity_id}.{kind}
//
// Entity IDs are made subject-safe: '.', '*', '>' and whitespace become '_'.
// The W3C trace context of the publishing span travels in message headers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
)

// Header names set on every published message.
const (
	HeaderKind   = "Phasegate-Kind"
	HeaderEntity = "Phasegate-Entity"
)

// Event kinds, as carried in HeaderKind.
const (
	KindDecision    = "decision"
	KindStateChange = "state_change"
	KindEscalation  = "escalation"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats connection closed")

// Publisher publishes engine events on a NATS connection.
type Publisher struct {
	nc         *nats.Conn
	prefix     string
	owned      bool
	propagator propagation.TextMapPropagator
}

// NewPublisher wraps an existing connection. The caller keeps ownership of
// nc; Close does not close it.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "phasegate"
	}
	return &Publisher{nc: nc, prefix: prefix, propagator: propagation.TraceContext{}}
}

// Connect dials cfg.URL and returns a Publisher owning the connection.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ConnectTimeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("phasegate"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()), zap.String("subject_prefix", cfg.SubjectPrefix))

	p := NewPublisher(nc, cfg.SubjectPrefix)
	p.owned = true
	return p, nil
}

// Conn returns the underlying connection.
func (p *Publisher) Conn() *nats.Conn { return p.nc }

// DecisionSubject returns the subject decisions for entityID go to.
func (p *Publisher) DecisionSubject(entityID string) string {
	return fmt.Sprintf("%s.decisions.%s", p.prefix, Token(entityID))
}

// StateChangeSubject returns the subject for a transition into status.
func (p *Publisher) StateChangeSubject(entityID string, status execution.Status) string {
	return fmt.Sprintf("%s.executions.%s.%s", p.prefix, Token(entityID), status)
}

// EscalationSubject returns the subject for escalations of kind.
func (p *Publisher) EscalationSubject(entityID string, kind execution.EscalationKind) string {
	return fmt.Sprintf("%s.escalations.%s.%s", p.prefix, Token(entityID), kind)
}

// PublishDecision implements engine.Publisher.
func (p *Publisher) PublishDecision(ctx context.Context, d decision.GateDecision) error {
	return p.publish(ctx, p.DecisionSubject(d.EntityID), KindDecision, d.EntityID, d)
}

// PublishStateChange implements engine.Publisher.
func (p *Publisher) PublishStateChange(ctx context.Context, c execution.StateChange) error {
	return p.publish(ctx, p.StateChangeSubject(c.Execution.EntityID, c.To), KindStateChange, c.Execution.EntityID, c)
}

// PublishEscalation implements engine.Publisher.
func (p *Publisher) PublishEscalation(ctx context.Context, e execution.Escalation) error {
	return p.publish(ctx, p.EscalationSubject(e.Execution.EntityID, e.Kind), KindEscalation, e.Execution.EntityID, e)
}

func (p *Publisher) publish(ctx context.Context, subject, kind, entityID string, v any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderKind, kind)
	msg.Header.Set(HeaderEntity, entityID)
	p.propagator.Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", kind, subject, err)
	}
	return nil
}

// Close drains and closes the connection when the publisher owns it.
func (p *Publisher) Close() error {
	if !p.owned || p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
