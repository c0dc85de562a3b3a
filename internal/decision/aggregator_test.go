package decision

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/pattern"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func rule(id string, weight float64, action gate.Action, indicator string, p ...symbol.Symbol) catalog.Rule {
	return catalog.Rule{
		ID:     id,
		Weight: weight,
		Action: action,
		Conditions: []catalog.Condition{
			{Indicator: indicator, Pattern: p},
		},
	}
}

func indicatorWith(metric string, conf float64, syms ...symbol.Symbol) *symbol.Indicator {
	ind := symbol.NewIndicator(metric, symbol.Timeframe1d, 7)
	for _, s := range syms {
		ind.Window = append(ind.Window, symbol.Point{Symbol: s, Confidence: conf})
	}
	return ind
}

func decide(t *testing.T, a *Aggregator, rules []catalog.Rule, indicators map[string]*symbol.Indicator, o gate.Override) GateDecision {
	t.Helper()
	verdicts := pattern.NewMatcher(nil).Evaluate(rules, indicators)
	return a.Decide(Input{
		EntityID: "venture-1",
		Tick:     7,
		Phase:    "lp_validation",
		Rules:    rules,
		Verdicts: verdicts,
		Override: o,
		Now:      now,
	})
}

func TestThresholds_Action(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score float64
		want  gate.Action
	}{
		{1, gate.ActionProceed},
		{0.8, gate.ActionProceed},
		{0.79, gate.ActionOptimize},
		{0.6, gate.ActionOptimize},
		{0.59, gate.ActionPivot},
		{0.2, gate.ActionPivot},
		{0.19, gate.ActionKill},
		{0, gate.ActionKill},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Action(tt.score), "score %v", tt.score)
	}
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Proceed: 0.5, Optimize: 0.6, Pivot: 0.2}.Validate())
	assert.Error(t, Thresholds{Proceed: 1.2, Optimize: 0.6, Pivot: 0.2}.Validate())
}

// [Up, Up, StrongUp] at high confidence against an [Up, Up] rule yields
// Proceed.
func TestDecide_StrongRunProceeds(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{{
		ID:     "signups-up",
		Weight: 2,
		Conditions: []catalog.Condition{
			{Indicator: "signup_rate", Pattern: []symbol.Symbol{symbol.Up, symbol.Up}, MinLength: 2},
		},
	}}
	indicators := map[string]*symbol.Indicator{
		"signup_rate": indicatorWith("signup_rate", 0.92, symbol.Up, symbol.Up, symbol.StrongUp),
	}

	d := decide(t, a, rules, indicators, gate.OverrideNone)
	assert.GreaterOrEqual(t, d.ReadinessScore, 0.8)
	assert.Equal(t, gate.ActionProceed, d.RecommendedAction)
	assert.Equal(t, gate.ActionProceed, d.EffectiveAction)
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.Equal(t, "venture-1", d.EntityID)
	assert.Equal(t, uint64(7), d.Tick)
	assert.Equal(t, now, d.DecidedAt)
	require.NoError(t, VerifyTrace(d, pattern.NewMatcher(nil).Evaluate(rules, indicators)))
}

func TestDecide_ZeroConfidencePointBlocksMatch(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	s := symbol.NewSymbolizer(symbol.DefaultConfig())
	ind := symbol.NewIndicator("conversion_rate", symbol.Timeframe1d, 7)
	ind.Append(s, now, 10, 100)
	p := ind.Append(s, now.Add(time.Hour), 10, 0)
	require.Equal(t, symbol.Flat, p.Symbol)
	require.Zero(t, p.Confidence)

	rules := []catalog.Rule{{
		ID:     "conversion-holding",
		Weight: 1,
		Conditions: []catalog.Condition{
			{Indicator: "conversion_rate", Pattern: []symbol.Symbol{symbol.Flat}, MinConfidence: 0.7},
		},
	}}
	d := decide(t, a, rules, map[string]*symbol.Indicator{"conversion_rate": ind}, gate.OverrideNone)
	assert.Zero(t, d.ReadinessScore)
	assert.Equal(t, gate.ActionKill, d.RecommendedAction)
	assert.Empty(t, d.DominantRule)
}

func TestDecide_ScoreIsWeightedOverApplicableRules(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{
		rule("a", 3, "", "mrr", symbol.Up),
		rule("b", 1, "", "mrr", symbol.Down),
		rule("c", 5, "", "untracked", symbol.Up),
	}
	indicators := map[string]*symbol.Indicator{"mrr": indicatorWith("mrr", 1, symbol.Up)}

	d := decide(t, a, rules, indicators, gate.OverrideNone)
	// a matches (3x1), b applicable but unmatched, c inapplicable and excluded.
	assert.InDelta(t, 0.75, d.ReadinessScore, 1e-9)
	assert.Equal(t, gate.ActionOptimize, d.RecommendedAction)
	assert.True(t, d.ReviewRequested)

	require.Len(t, d.Reasoning, 3)
	assert.True(t, strings.HasPrefix(d.Reasoning[0], "rule a matched: mrr ↗"))
	assert.Equal(t, "rule c inapplicable: indicator untracked not tracked", d.Reasoning[1])
	assert.True(t, strings.HasPrefix(d.Reasoning[2], FinalLinePrefix))
	assert.Contains(t, d.Reasoning[2], "score=0.750")
}

func TestDecide_LowConfidenceMatchAgainstOpposition(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{
		rule("weak", 2, "", "mrr", symbol.Up),
		rule("against", 2, "", "cac", symbol.Up),
	}
	indicators := map[string]*symbol.Indicator{
		"mrr": indicatorWith("mrr", 0.5, symbol.Up),
		"cac": indicatorWith("cac", 1, symbol.Down),
	}
	d := decide(t, a, rules, indicators, gate.OverrideNone)
	// 2x0.5 = 1 over an applicable weight of 4.
	assert.InDelta(t, 0.25, d.ReadinessScore, 1e-9)
	assert.Equal(t, gate.ActionPivot, d.RecommendedAction)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
}

func TestDecide_NoApplicableWeight(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	d := decide(t, a, []catalog.Rule{rule("x", 1, "", "ghost", symbol.Up)}, map[string]*symbol.Indicator{}, gate.OverrideNone)
	assert.Zero(t, d.ReadinessScore)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, gate.ActionKill, d.RecommendedAction)
	require.Len(t, d.Reasoning, 2)
}

func TestDecide_EmptyRuleSetStillHasFinalLine(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	d := decide(t, a, nil, nil, gate.OverrideNone)
	require.Len(t, d.Reasoning, 1)
	assert.True(t, strings.HasPrefix(d.Reasoning[0], FinalLinePrefix))
}

func TestDecide_Override(t *testing.T) {
	rules := []catalog.Rule{rule("a", 1, "", "mrr", symbol.Up)}
	indicators := map[string]*symbol.Indicator{"mrr": indicatorWith("mrr", 1, symbol.Up)}

	t.Run("default mapping", func(t *testing.T) {
		a := NewAggregator(DefaultThresholds(), nil, nil)
		d := decide(t, a, rules, indicators, gate.OverrideReject)
		assert.Equal(t, gate.ActionProceed, d.RecommendedAction)
		assert.Equal(t, gate.ActionKill, d.EffectiveAction)
		assert.Equal(t, gate.OverrideReject, d.Override)
		assert.Contains(t, strings.Join(d.Reasoning, "\n"), "override reject: effective action kill (recommended proceed)")
	})

	t.Run("configured mapping", func(t *testing.T) {
		a := NewAggregator(DefaultThresholds(), gate.OverrideMapping{gate.OverrideReject: gate.ActionPivot}, nil)
		d := decide(t, a, rules, indicators, gate.OverrideReject)
		assert.Equal(t, gate.ActionPivot, d.EffectiveAction)
	})

	t.Run("hold on optimize clears review request", func(t *testing.T) {
		a := NewAggregator(DefaultThresholds(), nil, nil)
		opt := []catalog.Rule{rule("a", 1, gate.ActionOptimize, "mrr", symbol.Up)}
		d := decide(t, a, opt, indicators, gate.OverrideHold)
		assert.Equal(t, gate.ActionOptimize, d.EffectiveAction)
		assert.False(t, d.ReviewRequested)
	})
}

func TestDecide_DominantRuleTieBreak(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	indicators := map[string]*symbol.Indicator{
		"mrr": indicatorWith("mrr", 1, symbol.Up, symbol.Up),
		"cac": indicatorWith("cac", 1, symbol.Down),
	}

	t.Run("highest weight wins", func(t *testing.T) {
		rules := []catalog.Rule{
			rule("grow", 2, gate.ActionProceed, "mrr", symbol.Up),
			rule("trim", 3, gate.ActionOptimize, "cac", symbol.Down),
		}
		d := decide(t, a, rules, indicators, gate.OverrideNone)
		assert.Equal(t, "trim", d.DominantRule)
		assert.Equal(t, gate.ActionProceed, d.LadderAction)
		assert.Equal(t, gate.ActionProceed, d.RecommendedAction)
		assert.Contains(t, d.Reasoning, "dominant rule trim designates optimize; ladder action proceed stands at score 1.000")
	})

	t.Run("equal weight prefers longer pattern", func(t *testing.T) {
		rules := []catalog.Rule{
			rule("short", 2, gate.ActionPivot, "cac", symbol.Down),
			rule("long", 2, gate.ActionProceed, "mrr", symbol.Up, symbol.Up),
		}
		d := decide(t, a, rules, indicators, gate.OverrideNone)
		assert.Equal(t, "long", d.DominantRule)
		assert.Contains(t, d.Reasoning, "dominant rule long designates proceed, in line with the ladder")
	})

	t.Run("full tie prefers lexical id", func(t *testing.T) {
		rules := []catalog.Rule{
			rule("zeta", 2, gate.ActionPivot, "mrr", symbol.Up),
			rule("alpha", 2, gate.ActionKill, "mrr", symbol.Up),
		}
		d := decide(t, a, rules, indicators, gate.OverrideNone)
		assert.Equal(t, "alpha", d.DominantRule)
		assert.Equal(t, gate.ActionProceed, d.RecommendedAction)
	})
}

// One weak matched rule naming Proceed cannot lift a decision the ladder
// puts at Kill.
func TestDecide_LadderOutranksRuleDesignation(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{
		rule("weak-go", 1, gate.ActionProceed, "mrr", symbol.Up),
		rule("heavy", 9, "", "cac", symbol.Down),
	}
	indicators := map[string]*symbol.Indicator{
		"mrr": indicatorWith("mrr", 1, symbol.Up),
		"cac": indicatorWith("cac", 1, symbol.Up),
	}

	d := decide(t, a, rules, indicators, gate.OverrideNone)
	assert.InDelta(t, 0.1, d.ReadinessScore, 1e-9)
	assert.Equal(t, gate.ActionKill, d.LadderAction)
	assert.Equal(t, gate.ActionKill, d.RecommendedAction)
	assert.Equal(t, gate.ActionKill, d.EffectiveAction)
	assert.Equal(t, "weak-go", d.DominantRule)
	assert.Contains(t, d.Reasoning, "dominant rule weak-go designates proceed; ladder action kill stands at score 0.100")
	assert.True(t, strings.HasPrefix(d.Reasoning[len(d.Reasoning)-1], FinalLinePrefix+"action=kill"))
}

func TestDecide_ConfidenceLowersReadiness(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{rule("lone", 2, "", "mrr", symbol.Up)}

	d := decide(t, a, rules, map[string]*symbol.Indicator{"mrr": indicatorWith("mrr", 0.3, symbol.Up)}, gate.OverrideNone)
	assert.InDelta(t, 0.3, d.ReadinessScore, 1e-9)
	assert.Equal(t, gate.ActionPivot, d.RecommendedAction)
}

// Raising the weight of a full-confidence matched rule never lowers the score.
func TestDecide_MonotonicInMatchedWeight(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	indicators := map[string]*symbol.Indicator{
		"mrr": indicatorWith("mrr", 1, symbol.Up, symbol.Up),
		"cac": indicatorWith("cac", 0.6, symbol.Up),
	}

	prev := -1.0
	for _, w := range []float64{0, 0.5, 1, 2, 4, 8, 100} {
		rules := []catalog.Rule{
			rule("matched", w, "", "mrr", symbol.Up, symbol.Up),
			rule("other-matched", 1.5, "", "cac", symbol.Up),
			rule("unmatched", 2, "", "cac", symbol.Down),
		}
		d := decide(t, a, rules, indicators, gate.OverrideNone)
		assert.GreaterOrEqual(t, d.ReadinessScore, prev, "weight %v", w)
		prev = d.ReadinessScore
	}
}

// With the rule set fixed, a larger Σ(w×c) over matched rules never lowers
// the score.
func TestDecide_MonotonicInWeightedConfidence(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	rules := []catalog.Rule{
		rule("matched", 3, "", "mrr", symbol.Up),
		rule("unmatched", 2, "", "cac", symbol.Down),
	}

	prev := -1.0
	for _, c := range []float64{0, 0.1, 0.3, 0.5, 0.9, 1} {
		indicators := map[string]*symbol.Indicator{
			"mrr": indicatorWith("mrr", c, symbol.Up),
			"cac": indicatorWith("cac", 1, symbol.Up),
		}
		d := decide(t, a, rules, indicators, gate.OverrideNone)
		assert.GreaterOrEqual(t, d.ReadinessScore, prev, "confidence %v", c)
		prev = d.ReadinessScore
	}
}

// Feeding a rule its exact pattern at full confidence matches it and makes it
// the dominant rule. Its action is recommended when the ladder agrees, and
// any disagreement is recorded in the trace.
func TestDecide_RoundTrip(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)

	c, err := catalog.LoadFile("../catalog/testdata/catalog.yaml")
	require.NoError(t, err)
	rules := c.RulesFor("lp_validation")

	for _, r := range rules {
		if r.Action == "" {
			continue
		}
		t.Run(r.ID, func(t *testing.T) {
			indicators := map[string]*symbol.Indicator{}
			for _, cond := range r.Conditions {
				ind := symbol.NewIndicator(cond.Indicator, symbol.Timeframe1d, 7)
				for i := len(cond.Pattern); i < cond.Required(); i++ {
					ind.Window = append(ind.Window, symbol.Point{Symbol: symbol.Flat, Confidence: 1})
				}
				for _, s := range cond.Pattern {
					ind.Window = append(ind.Window, symbol.Point{Symbol: s, Confidence: 1})
				}
				indicators[cond.Indicator] = ind
			}

			verdict := pattern.NewMatcher(nil).EvaluateRule(r, indicators)
			require.True(t, verdict.Matched)
			assert.InDelta(t, 1.0, verdict.MatchConfidence, 1e-9)

			d := decide(t, a, rules, indicators, gate.OverrideNone)
			assert.Equal(t, r.ID, d.DominantRule)
			assert.Equal(t, d.LadderAction, d.RecommendedAction)
			if d.LadderAction == r.Action {
				assert.Contains(t, d.Reasoning, "dominant rule "+r.ID+" designates "+string(r.Action)+", in line with the ladder")
			} else {
				assert.Contains(t, strings.Join(d.Reasoning, "\n"), "dominant rule "+r.ID+" designates "+string(r.Action)+"; ladder action")
			}

			// Alone, a full-confidence Proceed rule round-trips to Proceed.
			if r.Action == gate.ActionProceed {
				alone := decide(t, a, []catalog.Rule{r}, indicators, gate.OverrideNone)
				assert.Equal(t, gate.ActionProceed, alone.RecommendedAction)
			}
		})
	}
}

func TestDecide_InconsistencyHook(t *testing.T) {
	a := NewAggregator(DefaultThresholds(), nil, nil)
	var got []string
	a.OnInconsistency = func(entityID string, err error) {
		got = append(got, entityID)
		assert.ErrorIs(t, err, ErrTraceInconsistent)
	}

	// A verdict for a rule missing from the rule set cannot be traced.
	a.Decide(Input{
		EntityID: "venture-9",
		Verdicts: []pattern.Verdict{{RuleID: "phantom", Applicable: true, Matched: true, MatchConfidence: 1}},
	})
	assert.Equal(t, []string{"venture-9"}, got)
}

func TestVerifyTrace(t *testing.T) {
	verdicts := []pattern.Verdict{
		{RuleID: "a", Applicable: true, Matched: true},
		{RuleID: "b", Applicable: false, Detail: "rule b inapplicable: indicator x not tracked"},
		{RuleID: "c", Applicable: true},
	}
	ok := GateDecision{Reasoning: []string{
		"rule a matched: mrr ↗ (weight 1.00 x confidence 1.00 = 1.000)",
		"rule b inapplicable: indicator x not tracked",
		"final: action=proceed effective=proceed score=1.000 ladder=proceed",
	}}
	assert.NoError(t, VerifyTrace(ok, verdicts))

	missing := GateDecision{Reasoning: ok.Reasoning[1:]}
	assert.ErrorIs(t, VerifyTrace(missing, verdicts), ErrTraceInconsistent)

	noFinal := GateDecision{Reasoning: ok.Reasoning[:2]}
	assert.ErrorIs(t, VerifyTrace(noFinal, verdicts), ErrTraceInconsistent)
}
