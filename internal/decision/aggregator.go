// Package decision folds rule verdicts into a readiness score, a recommended
// action and a human-readable reasoning trace.
package decision

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/pattern"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// FinalLinePrefix starts the mandatory last line of every reasoning trace.
const FinalLinePrefix = "final: "

// ErrTraceInconsistent is returned when a trace omits a material line.
var ErrTraceInconsistent = errors.New("reasoning trace inconsistent")

// Thresholds are the readiness ladder cut-offs.
type Thresholds struct {
	Proceed  float64 `koanf:"proceed" json:"proceed"`
	Optimize float64 `koanf:"optimize" json:"optimize"`
	Pivot    float64 `koanf:"pivot" json:"pivot"`
}

// DefaultThresholds returns 0.8 / 0.6 / 0.2.
func DefaultThresholds() Thresholds {
	return Thresholds{Proceed: 0.8, Optimize: 0.6, Pivot: 0.2}
}

// Validate checks the thresholds are ordered within [0,1].
func (t Thresholds) Validate() error {
	if t.Pivot < 0 || t.Proceed > 1 {
		return fmt.Errorf("thresholds must be within [0,1]")
	}
	if !(t.Pivot <= t.Optimize && t.Optimize <= t.Proceed) {
		return fmt.Errorf("thresholds must satisfy pivot <= optimize <= proceed")
	}
	return nil
}

// Action maps a readiness score onto the ladder.
func (t Thresholds) Action(score float64) gate.Action {
	switch {
	case score >= t.Proceed:
		return gate.ActionProceed
	case score >= t.Optimize:
		return gate.ActionOptimize
	case score >= t.Pivot:
		return gate.ActionPivot
	}
	return gate.ActionKill
}

// GateDecision is the per-entity, per-tick output of the aggregator. It is
// replaced wholesale every tick.
type GateDecision struct {
	EntityID          string        `json:"entity_id"`
	Tick              uint64        `json:"tick"`
	Phase             string        `json:"phase"`
	ReadinessScore    float64       `json:"readiness_score"`
	RecommendedAction gate.Action   `json:"recommended_action"`
	LadderAction      gate.Action   `json:"ladder_action"`
	DominantRule      string        `json:"dominant_rule,omitempty"`
	Reasoning         []string      `json:"reasoning"`
	Confidence        float64       `json:"confidence"`
	Override          gate.Override `json:"override,omitempty"`
	EffectiveAction   gate.Action   `json:"effective_action"`
	ReviewRequested   bool          `json:"review_requested"`
	DecidedAt         time.Time     `json:"decided_at"`
}

// Input is everything the aggregator needs for one entity and tick.
type Input struct {
	EntityID string
	Tick     uint64
	Phase    string
	Rules    []catalog.Rule
	Verdicts []pattern.Verdict
	Override gate.Override
	Now      time.Time
}

// Aggregator computes gate decisions. It is stateless after construction.
type Aggregator struct {
	thresholds Thresholds
	mapping    gate.OverrideMapping
	logger     *zap.Logger

	// OnInconsistency, when set, is invoked for every trace that fails
	// verification.
	OnInconsistency func(entityID string, err error)
}

// NewAggregator creates an aggregator. A nil mapping uses
// gate.DefaultOverrideMapping.
func NewAggregator(t Thresholds, mapping gate.OverrideMapping, logger *zap.Logger) *Aggregator {
	if mapping == nil {
		mapping = gate.DefaultOverrideMapping()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{thresholds: t, mapping: mapping, logger: logger}
}

// Thresholds returns the ladder configuration.
func (a *Aggregator) Thresholds() Thresholds { return a.thresholds }

// Decide aggregates verdicts into a decision.
func (a *Aggregator) Decide(in Input) GateDecision {
	rules := make(map[string]catalog.Rule, len(in.Rules))
	for _, r := range in.Rules {
		rules[r.ID] = r
	}

	d := GateDecision{
		EntityID:  in.EntityID,
		Tick:      in.Tick,
		Phase:     in.Phase,
		Override:  in.Override,
		DecidedAt: in.Now,
	}

	var (
		support       float64
		applicable    float64
		matchedWeight float64
		matchedConf   float64
		matchedCount  int
		dominant      *candidate
	)

	for _, v := range in.Verdicts {
		r, ok := rules[v.RuleID]
		if !ok {
			continue
		}
		if !v.Applicable {
			d.Reasoning = append(d.Reasoning, v.Detail)
			continue
		}
		applicable += r.Weight
		if !v.Matched {
			continue
		}

		contribution := r.Weight * v.MatchConfidence
		support += contribution
		matchedWeight += r.Weight
		matchedConf += v.MatchConfidence
		matchedCount++
		d.Reasoning = append(d.Reasoning, matchedLine(r, v, contribution))

		if r.Action != "" {
			c := &candidate{rule: r, score: contribution}
			if dominant == nil || c.beats(dominant) {
				dominant = c
			}
		}
	}

	// score = Σ(w×c matched) / Σ(w applicable). With the applicable set
	// fixed it never decreases as Σ(w×c) grows.
	if applicable > 0 {
		d.ReadinessScore = clamp01(support / applicable)
	}
	switch {
	case matchedWeight > 0:
		d.Confidence = clamp01(support / matchedWeight)
	case matchedCount > 0:
		d.Confidence = clamp01(matchedConf / float64(matchedCount))
	}

	// The ladder alone picks the action. The dominant rule settles which of
	// the conflicting designations is reported against it.
	d.LadderAction = a.thresholds.Action(d.ReadinessScore)
	d.RecommendedAction = d.LadderAction
	if dominant != nil {
		d.DominantRule = dominant.rule.ID
		if dominant.rule.Action == d.LadderAction {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("dominant rule %s designates %s, in line with the ladder",
				dominant.rule.ID, dominant.rule.Action))
		} else {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("dominant rule %s designates %s; ladder action %s stands at score %.3f",
				dominant.rule.ID, dominant.rule.Action, d.LadderAction, d.ReadinessScore))
		}
	}

	d.EffectiveAction = a.mapping.Apply(d.RecommendedAction, in.Override)
	if in.Override != gate.OverrideNone {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("override %s: effective action %s (recommended %s)",
			in.Override, d.EffectiveAction, d.RecommendedAction))
	}
	d.ReviewRequested = d.RecommendedAction == gate.ActionOptimize && in.Override == gate.OverrideNone

	d.Reasoning = append(d.Reasoning, fmt.Sprintf("%saction=%s effective=%s score=%.3f ladder=%s",
		FinalLinePrefix, d.RecommendedAction, d.EffectiveAction, d.ReadinessScore, d.LadderAction))

	if err := VerifyTrace(d, in.Verdicts); err != nil {
		a.logger.Warn("trace inconsistency",
			zap.String("entity.id", in.EntityID),
			zap.Uint64("tick", in.Tick),
			zap.Error(err))
		if a.OnInconsistency != nil {
			a.OnInconsistency(in.EntityID, err)
		}
	}
	return d
}

// VerifyTrace checks that every matched and every inapplicable verdict has
// its line and that the trace ends with the final line.
func VerifyTrace(d GateDecision, verdicts []pattern.Verdict) error {
	if len(d.Reasoning) == 0 || !strings.HasPrefix(d.Reasoning[len(d.Reasoning)-1], FinalLinePrefix) {
		return fmt.Errorf("%w: missing final line", ErrTraceInconsistent)
	}
	for _, v := range verdicts {
		var want string
		switch {
		case !v.Applicable:
			want = v.Detail
		case v.Matched:
			want = "rule " + v.RuleID + " matched"
		default:
			continue
		}
		if !hasLinePrefix(d.Reasoning, want) {
			return fmt.Errorf("%w: no line for rule %s", ErrTraceInconsistent, v.RuleID)
		}
	}
	return nil
}

func hasLinePrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func matchedLine(r catalog.Rule, v pattern.Verdict, contribution float64) string {
	parts := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		parts = append(parts, c.Indicator+" "+symbol.FormatPattern(c.Pattern))
	}
	return fmt.Sprintf("rule %s matched: %s (weight %.2f x confidence %.2f = %.3f)",
		r.ID, strings.Join(parts, " + "), r.Weight, v.MatchConfidence, contribution)
}

type candidate struct {
	rule  catalog.Rule
	score float64
}

// beats orders dominant-rule candidates: highest weight x confidence, then
// longer pattern, then lexically smaller rule ID.
func (c *candidate) beats(o *candidate) bool {
	if math.Abs(c.score-o.score) > 1e-12 {
		return c.score > o.score
	}
	if cl, ol := c.rule.PatternLength(), o.rule.PatternLength(); cl != ol {
		return cl > ol
	}
	return c.rule.ID < o.rule.ID
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
