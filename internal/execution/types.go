// Package execution tracks the lifecycle of strategic package (PKG)
// executions for one entity.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

var (
	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid execution transition")

	// ErrNotFound is returned for an unknown execution ID.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidProgress is returned for progress outside [0,100].
	ErrInvalidProgress = errors.New("progress must be within [0,100]")

	// ErrExclusionViolated signals two Running executions holding one key.
	ErrExclusionViolated = errors.New("resource held by more than one running execution")
)

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// ParseStatus parses a status name.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled, StatusDeferred},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusDeferred},
	StatusDeferred:  {StatusPending, StatusCancelled},
	StatusCompleted: nil,
	StatusFailed:    nil,
	StatusCancelled: nil,
}

// CanTransition reports whether from→to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Execution is one proposed run of a PKG for an entity.
type Execution struct {
	ID                string        `json:"id"`
	PKGID             string        `json:"pkg_id"`
	EntityID          string        `json:"entity_id"`
	Status            Status        `json:"status"`
	Priority          int           `json:"priority"`
	Class             gate.Class    `json:"class"`
	RequiredResources []string      `json:"required_resources"`
	Held              []string      `json:"held,omitempty"`
	Progress          float64       `json:"progress"`
	ExpectedDuration  time.Duration `json:"expected_duration"`
	Reason            string        `json:"reason,omitempty"`
	Escalated         bool          `json:"escalated"`
	Deferrals         int           `json:"deferrals"`

	// Origin is the gate action or trigger ID that proposed the execution.
	Origin string `json:"origin"`
	Tick   uint64 `json:"tick"`

	ProposedAt time.Time `json:"proposed_at"`
	StartTime  time.Time `json:"start_time,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (e *Execution) clone() Execution {
	c := *e
	c.RequiredResources = append([]string(nil), e.RequiredResources...)
	c.Held = append([]string(nil), e.Held...)
	return c
}

// StateChange records one transition.
type StateChange struct {
	Execution Execution `json:"execution"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// EscalationKind classifies escalations.
type EscalationKind string

// Escalation kinds.
const (
	EscalationStale         EscalationKind = "stale"
	EscalationUnschedulable EscalationKind = "unschedulable"
)

// Escalation asks an operator to look at an execution.
type Escalation struct {
	Kind      EscalationKind `json:"kind"`
	Execution Execution      `json:"execution"`
	Reason    string         `json:"reason"`
	At        time.Time      `json:"at"`
}

// Alternative explains why a catalog PKG was or was not proposed.
type Alternative struct {
	PKGID    string `json:"pkg_id"`
	Proposed bool   `json:"proposed"`
	Reason   string `json:"reason"`
}

// Proposal is the result of proposing PKGs for one decision or trigger.
type Proposal struct {
	Created      []Execution   `json:"created"`
	Alternatives []Alternative `json:"alternatives"`
}
