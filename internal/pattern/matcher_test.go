package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

func window(metric string, conf float64, syms ...symbol.Symbol) *symbol.Indicator {
	ind := symbol.NewIndicator(metric, symbol.Timeframe1d, 7)
	for _, s := range syms {
		ind.Window = append(ind.Window, symbol.Point{Symbol: s, Confidence: conf})
	}
	return ind
}

func cond(indicator string, minLen int, minConf float64, p ...symbol.Symbol) catalog.Condition {
	return catalog.Condition{Indicator: indicator, Pattern: p, MinLength: minLen, MinConfidence: minConf}
}

func TestMatchCondition_SuffixAlignedAtNewest(t *testing.T) {
	ind := window("signup_rate", 0.9, symbol.Down, symbol.Flat, symbol.Up, symbol.Up, symbol.StrongUp)

	res := MatchCondition(cond("signup_rate", 3, 0.5, symbol.Up, symbol.Up, symbol.StrongUp), ind)
	assert.True(t, res.Matched)
	assert.InDelta(t, 0.9, res.AvgConfidence, 1e-9)
	assert.Equal(t, []symbol.Symbol{symbol.Up, symbol.Up, symbol.StrongUp}, res.Observed)

	// A stronger move in the same direction satisfies the pattern.
	res = MatchCondition(cond("signup_rate", 2, 0.5, symbol.Up, symbol.Up), ind)
	assert.True(t, res.Matched)

	// A weaker move does not.
	res = MatchCondition(cond("signup_rate", 0, 0, symbol.StrongUp, symbol.StrongUp), ind)
	assert.False(t, res.Matched)

	// The same symbols earlier in the window do not count.
	res = MatchCondition(cond("signup_rate", 0, 0, symbol.Down, symbol.Flat), ind)
	assert.False(t, res.Matched)
	assert.Contains(t, res.Reason, "observed")
}

func TestMatchCondition_InsufficientHistory(t *testing.T) {
	ind := window("mrr", 1, symbol.Up, symbol.Up, symbol.Up)

	res := MatchCondition(cond("mrr", 5, 0, symbol.Up, symbol.Up, symbol.Up), ind)
	assert.False(t, res.Matched)
	assert.Equal(t, "insufficient history (have 3, need 5)", res.Reason)

	res = MatchCondition(cond("mrr", 0, 0, symbol.Up, symbol.Up, symbol.Up, symbol.Up), ind)
	assert.False(t, res.Matched)
	assert.Contains(t, res.Reason, "insufficient history")
}

func TestMatchCondition_ConfidenceThreshold(t *testing.T) {
	ind := symbol.NewIndicator("mrr", symbol.Timeframe1d, 7)
	ind.Window = []symbol.Point{
		{Symbol: symbol.Up, Confidence: 0.25},
		{Symbol: symbol.Up, Confidence: 0.75},
	}

	res := MatchCondition(cond("mrr", 0, 0.5, symbol.Up, symbol.Up), ind)
	assert.True(t, res.Matched)
	assert.InDelta(t, 0.5, res.AvgConfidence, 1e-9)

	res = MatchCondition(cond("mrr", 0, 0.51, symbol.Up, symbol.Up), ind)
	assert.False(t, res.Matched)
	assert.Contains(t, res.Reason, "below")
}

func TestMatcher_EvaluateRule(t *testing.T) {
	m := NewMatcher(nil)
	indicators := map[string]*symbol.Indicator{
		"signup_rate": window("signup_rate", 0.8, symbol.Up, symbol.Up, symbol.StrongUp),
		"bounce_rate": window("bounce_rate", 0.6, symbol.Down, symbol.Down),
	}

	t.Run("all conditions match", func(t *testing.T) {
		r := catalog.Rule{ID: "combo", Weight: 1, Conditions: []catalog.Condition{
			cond("signup_rate", 0, 0.5, symbol.Up, symbol.StrongUp),
			cond("bounce_rate", 0, 0.5, symbol.Down, symbol.Down),
		}}
		v := m.EvaluateRule(r, indicators)
		assert.True(t, v.Applicable)
		assert.True(t, v.Matched)
		assert.InDelta(t, 0.7, v.MatchConfidence, 1e-9)
		assert.Len(t, v.Conditions, 2)
	})

	t.Run("one failing condition fails the rule", func(t *testing.T) {
		r := catalog.Rule{ID: "combo", Weight: 1, Conditions: []catalog.Condition{
			cond("signup_rate", 0, 0.5, symbol.Up, symbol.StrongUp),
			cond("bounce_rate", 0, 0.5, symbol.Up),
		}}
		v := m.EvaluateRule(r, indicators)
		assert.True(t, v.Applicable)
		assert.False(t, v.Matched)
		assert.Zero(t, v.MatchConfidence)
		assert.Contains(t, v.Detail, "bounce_rate")
	})

	t.Run("untracked indicator is inapplicable", func(t *testing.T) {
		r := catalog.Rule{ID: "churn", Weight: 1, Conditions: []catalog.Condition{
			cond("churn_rate", 0, 0, symbol.Down),
		}}
		v := m.EvaluateRule(r, indicators)
		assert.False(t, v.Applicable)
		assert.False(t, v.Matched)
		assert.Equal(t, "rule churn inapplicable: indicator churn_rate not tracked", v.Detail)
	})
}

func TestMatcher_EvaluatePreservesRuleOrder(t *testing.T) {
	m := NewMatcher(nil)
	indicators := map[string]*symbol.Indicator{
		"mrr": window("mrr", 1, symbol.Up),
	}
	rules := []catalog.Rule{
		{ID: "b", Conditions: []catalog.Condition{cond("mrr", 0, 0, symbol.Up)}},
		{ID: "a", Conditions: []catalog.Condition{cond("cac", 0, 0, symbol.Up)}},
		{ID: "c", Conditions: []catalog.Condition{cond("mrr", 0, 0, symbol.Down)}},
	}
	got := m.Evaluate(rules, indicators)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].RuleID)
	assert.True(t, got[0].Matched)
	assert.Equal(t, "a", got[1].RuleID)
	assert.False(t, got[1].Applicable)
	assert.Equal(t, "c", got[2].RuleID)
	assert.False(t, got[2].Matched)
}
