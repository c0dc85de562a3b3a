// Package pattern matches gate rule conditions against an entity's indicator
// windows.
package pattern

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// ConditionResult is the outcome of matching one condition.
type ConditionResult struct {
	Indicator     string          `json:"indicator"`
	Pattern       []symbol.Symbol `json:"pattern"`
	Observed      []symbol.Symbol `json:"observed,omitempty"`
	AvgConfidence float64         `json:"avg_confidence"`
	Matched       bool            `json:"matched"`
	Reason        string          `json:"reason,omitempty"`
}

// Verdict is the outcome of evaluating one rule for one entity.
type Verdict struct {
	RuleID          string            `json:"rule_id"`
	Matched         bool              `json:"matched"`
	MatchConfidence float64           `json:"match_confidence"`
	Applicable      bool              `json:"applicable"`
	Detail          string            `json:"detail"`
	Conditions      []ConditionResult `json:"conditions,omitempty"`
}

// Matcher evaluates rules against indicator windows. It holds no per-entity
// state and is safe for concurrent use.
type Matcher struct {
	logger *zap.Logger
}

// NewMatcher creates a Matcher. A nil logger disables debug output.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{logger: logger}
}

// Evaluate returns one verdict per rule, in rule order.
func (m *Matcher) Evaluate(rules []catalog.Rule, indicators map[string]*symbol.Indicator) []Verdict {
	out := make([]Verdict, 0, len(rules))
	for _, r := range rules {
		out = append(out, m.EvaluateRule(r, indicators))
	}
	return out
}

// EvaluateRule matches every condition of r. A rule referencing an indicator
// the entity does not track is inapplicable rather than failed.
func (m *Matcher) EvaluateRule(r catalog.Rule, indicators map[string]*symbol.Indicator) Verdict {
	v := Verdict{RuleID: r.ID, Applicable: true}

	for _, cond := range r.Conditions {
		if _, ok := indicators[cond.Indicator]; !ok {
			v.Applicable = false
			v.Detail = fmt.Sprintf("rule %s inapplicable: indicator %s not tracked", r.ID, cond.Indicator)
			m.logger.Debug("rule inapplicable",
				zap.String("rule.id", r.ID),
				zap.String("indicator", cond.Indicator))
			return v
		}
	}

	matched := true
	sum := 0.0
	for _, cond := range r.Conditions {
		res := MatchCondition(cond, indicators[cond.Indicator])
		v.Conditions = append(v.Conditions, res)
		if !res.Matched {
			matched = false
		}
		sum += res.AvgConfidence
	}

	if matched && len(r.Conditions) > 0 {
		v.Matched = true
		v.MatchConfidence = sum / float64(len(r.Conditions))
		v.Detail = fmt.Sprintf("rule %s matched", r.ID)
		return v
	}

	v.Detail = fmt.Sprintf("rule %s not matched", r.ID)
	for _, c := range v.Conditions {
		if !c.Matched {
			v.Detail = fmt.Sprintf("rule %s not matched: %s %s", r.ID, c.Indicator, c.Reason)
			break
		}
	}
	return v
}

// MatchCondition compares cond's pattern with the newest symbols of ind.
// The pattern is aligned at the newest point and each observed symbol must
// satisfy its pattern symbol; the condition needs at least
// max(MinLength, len(Pattern)) points.
func MatchCondition(cond catalog.Condition, ind *symbol.Indicator) ConditionResult {
	res := ConditionResult{Indicator: cond.Indicator, Pattern: cond.Pattern}

	n := len(cond.Pattern)
	if n == 0 {
		res.Reason = "empty pattern"
		return res
	}

	have, need := len(ind.Window), cond.Required()
	if have < need {
		res.Reason = fmt.Sprintf("insufficient history (have %d, need %d)", have, need)
		return res
	}

	suffix := ind.Window[have-n:]
	res.Observed = make([]symbol.Symbol, n)
	equal := true
	conf := 0.0
	for i, p := range suffix {
		res.Observed[i] = p.Symbol
		conf += p.Confidence
		if !p.Symbol.Satisfies(cond.Pattern[i]) {
			equal = false
		}
	}
	res.AvgConfidence = conf / float64(n)

	switch {
	case !equal:
		res.Reason = fmt.Sprintf("observed %s, want %s",
			symbol.FormatPattern(res.Observed), symbol.FormatPattern(cond.Pattern))
		res.AvgConfidence = 0
	case res.AvgConfidence < cond.MinConfidence:
		res.Reason = fmt.Sprintf("confidence %.2f below %.2f", res.AvgConfidence, cond.MinConfidence)
	default:
		res.Matched = true
	}
	return res
}
