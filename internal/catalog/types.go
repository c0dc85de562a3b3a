// Package catalog defines the gate rules, strategic packages (PKGs) and
// emergency triggers the engine evaluates, and loads them from YAML or TOML.
package catalog

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

// DefaultPhases is the venture lifecycle used when a catalog declares none.
var DefaultPhases = []string{"lp_validation", "mvp_dev", "monetization", "scale"}

// Condition is one indicator pattern a rule requires.
type Condition struct {
	// Indicator is the metric name the pattern is matched against.
	Indicator string `koanf:"indicator" json:"indicator"`

	// Pattern is compared against the newest len(Pattern) symbols.
	Pattern []symbol.Symbol `koanf:"pattern" json:"pattern"`

	// MinLength is the minimum window length required before matching.
	MinLength int `koanf:"min_length" json:"min_length"`

	// MinConfidence is the minimum average confidence over the matched suffix.
	MinConfidence float64 `koanf:"min_confidence" json:"min_confidence"`
}

// Required returns the number of window points the condition needs.
func (c Condition) Required() int {
	if c.MinLength > len(c.Pattern) {
		return c.MinLength
	}
	return len(c.Pattern)
}

// Rule is a weighted gate rule. Rules are read-only once loaded.
type Rule struct {
	ID         string      `koanf:"id" json:"id"`
	Name       string      `koanf:"name" json:"name"`
	Phase      string      `koanf:"phase" json:"phase,omitempty"`
	Conditions []Condition `koanf:"conditions" json:"conditions"`

	// Action is the recommendation this rule designates when it dominates.
	// Rules without an action only contribute evidence to the score.
	Action gate.Action `koanf:"action" json:"action,omitempty"`

	Weight float64 `koanf:"weight" json:"weight"`
}

// PatternLength is the longest pattern across the rule's conditions.
func (r Rule) PatternLength() int {
	n := 0
	for _, c := range r.Conditions {
		if len(c.Pattern) > n {
			n = len(c.Pattern)
		}
	}
	return n
}

// AppliesTo reports whether the rule is evaluated in phase. Rules without a
// phase apply everywhere.
func (r Rule) AppliesTo(phase string) bool {
	return r.Phase == "" || r.Phase == phase
}

// Package is a strategic action package the tracker can propose.
type Package struct {
	ID   string `koanf:"id" json:"id"`
	Name string `koanf:"name" json:"name"`

	// Action binds the package to a gate recommendation. Packages without an
	// action are only proposed by emergency triggers.
	Action gate.Action `koanf:"action" json:"action,omitempty"`

	// Phases restricts proposals to these phases; empty means all phases.
	Phases []string `koanf:"phases" json:"phases,omitempty"`

	// Priority orders contention; lower is more urgent.
	Priority int        `koanf:"priority" json:"priority"`
	Class    gate.Class `koanf:"class" json:"class"`

	// Resources are the exclusive per-entity resource keys the PKG holds
	// while running.
	Resources []string `koanf:"resources" json:"resources"`

	// ExpectedDuration drives stale detection; zero disables it.
	ExpectedDuration time.Duration `koanf:"expected_duration" json:"expected_duration"`
}

// AppliesTo reports whether the package may be proposed in phase.
func (p Package) AppliesTo(phase string) bool {
	if len(p.Phases) == 0 {
		return true
	}
	for _, ph := range p.Phases {
		if ph == phase {
			return true
		}
	}
	return false
}

// Trigger proposes a crisis package when a metric breaches a bound,
// independently of the gate decision.
type Trigger struct {
	ID      string   `koanf:"id" json:"id"`
	Metric  string   `koanf:"metric" json:"metric"`
	Floor   *float64 `koanf:"floor" json:"floor,omitempty"`
	Ceiling *float64 `koanf:"ceiling" json:"ceiling,omitempty"`
	Package string   `koanf:"package" json:"package"`
}

// Breached reports whether value crosses the trigger's floor or ceiling.
func (t Trigger) Breached(value float64) bool {
	if t.Floor != nil && value < *t.Floor {
		return true
	}
	if t.Ceiling != nil && value > *t.Ceiling {
		return true
	}
	return false
}

// Catalog is an immutable snapshot of rules, packages and triggers.
type Catalog struct {
	Version  string    `koanf:"version" json:"version"`
	Phases   []string  `koanf:"phases" json:"phases"`
	Rules    []Rule    `koanf:"rules" json:"rules"`
	Packages []Package `koanf:"packages" json:"packages"`
	Triggers []Trigger `koanf:"triggers" json:"triggers,omitempty"`

	packages map[string]int
}

// RulesFor returns the rules evaluated in phase, in catalog order.
func (c *Catalog) RulesFor(phase string) []Rule {
	out := make([]Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.AppliesTo(phase) {
			out = append(out, r)
		}
	}
	return out
}

// PackagesFor returns packages bound to action, ordered by priority then ID.
// Phase filtering is left to the caller so skipped packages can be reported.
func (c *Catalog) PackagesFor(action gate.Action) []Package {
	var out []Package
	for _, p := range c.Packages {
		if p.Action == action {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Package looks a package up by ID.
func (c *Catalog) Package(id string) (Package, bool) {
	if c.packages != nil {
		if i, ok := c.packages[id]; ok {
			return c.Packages[i], true
		}
		return Package{}, false
	}
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// NextPhase returns the phase after phase in the lifecycle.
func (c *Catalog) NextPhase(phase string) (string, bool) {
	for i, p := range c.Phases {
		if p == phase && i+1 < len(c.Phases) {
			return c.Phases[i+1], true
		}
	}
	return "", false
}

// HasPhase reports whether phase is part of the lifecycle.
func (c *Catalog) HasPhase(phase string) bool {
	for _, p := range c.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Indicators returns every metric name referenced by a rule condition or
// trigger, sorted.
func (c *Catalog) Indicators() []string {
	seen := map[string]struct{}{}
	for _, r := range c.Rules {
		for _, cond := range r.Conditions {
			seen[cond.Indicator] = struct{}{}
		}
	}
	for _, t := range c.Triggers {
		seen[t.Metric] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) index() {
	c.packages = make(map[string]int, len(c.Packages))
	for i, p := range c.Packages {
		c.packages[p.ID] = i
	}
}
