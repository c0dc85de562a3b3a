// Package gate holds the vocabulary shared by every stage of the decision
// pipeline: recommended actions, operator overrides and PKG priority classes.
package gate

import (
	"fmt"
	"strings"
)

// Action is the strategic recommendation produced for an entity at a gate.
type Action string

// Recommended actions.
const (
	ActionProceed  Action = "proceed"
	ActionOptimize Action = "optimize"
	ActionPivot    Action = "pivot"
	ActionKill     Action = "kill"
)

// Actions lists every action in ladder order, most favourable first.
var Actions = []Action{ActionProceed, ActionOptimize, ActionPivot, ActionKill}

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionProceed, ActionOptimize, ActionPivot, ActionKill:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// ParseAction parses an action name, case-insensitively.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text leaves the
// action unset.
func (a *Action) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*a = ""
		return nil
	}
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Override is an operator's manual verdict on a pending gate decision.
type Override string

// Operator overrides. OverrideNone means no operator input.
const (
	OverrideNone    Override = ""
	OverrideApprove Override = "approve"
	OverrideHold    Override = "hold"
	OverrideReject  Override = "reject"
)

func (o Override) String() string {
	if o == OverrideNone {
		return "none"
	}
	return string(o)
}

// ParseOverride parses an override name. Empty input and "none" yield
// OverrideNone.
func ParseOverride(s string) (Override, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "none":
		return OverrideNone, nil
	case "approve", "hold", "reject":
		return Override(v), nil
	default:
		return OverrideNone, fmt.Errorf("unknown override %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Override) UnmarshalText(text []byte) error {
	parsed, err := ParseOverride(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// OverrideMapping translates an operator override into the effective action.
type OverrideMapping map[Override]Action

// DefaultOverrideMapping is approve→proceed, hold→optimize, reject→kill.
func DefaultOverrideMapping() OverrideMapping {
	return OverrideMapping{
		OverrideApprove: ActionProceed,
		OverrideHold:    ActionOptimize,
		OverrideReject:  ActionKill,
	}
}

// Apply returns the effective action for the given recommendation and
// override. OverrideNone, or an override missing from the mapping, keeps the
// recommendation.
func (m OverrideMapping) Apply(recommended Action, o Override) Action {
	if o == OverrideNone {
		return recommended
	}
	if a, ok := m[o]; ok {
		return a
	}
	return recommended
}

// Validate checks that every mapped action is valid.
func (m OverrideMapping) Validate() error {
	for o, a := range m {
		if o == OverrideNone {
			return fmt.Errorf("override mapping: the empty override cannot be mapped")
		}
		if !a.IsValid() {
			return fmt.Errorf("override mapping: %s maps to unknown action %q", o, a)
		}
	}
	return nil
}

// Class is the priority class of a strategic package.
type Class string

// PKG priority classes. Only ClassCrisis may preempt a running PKG.
const (
	ClassCrisis      Class = "crisis"
	ClassGrowth      Class = "growth"
	ClassMaintenance Class = "maintenance"
)

// IsValid reports whether c is a known class.
func (c Class) IsValid() bool {
	switch c {
	case ClassCrisis, ClassGrowth, ClassMaintenance:
		return true
	}
	return false
}

func (c Class) String() string { return string(c) }

// UnmarshalText implements encoding.TextUnmarshaler. Empty text leaves the
// class unset.
func (c *Class) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*c = ""
		return nil
	}
	v := Class(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.IsValid() {
		return fmt.Errorf("unknown priority class %q", string(text))
	}
	*c = v
	return nil
}
