package execution

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
	"github.com/fyrsmithlabs/phasegate/internal/conflict"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

// Defaults for tracker options.
const (
	DefaultToleranceFactor = 2.0
	DefaultRetention       = 24 * time.Hour
)

// Tracker owns the executions of one entity. It is not safe for concurrent
// use; the engine serializes access with the entity lock.
type Tracker struct {
	entityID   string
	executions map[string]*Execution
	changes    []StateChange

	now       func() time.Time
	newID     func() string
	tolerance float64
	retention time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator overrides uuid-based execution IDs.
func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// WithToleranceFactor sets the stale multiplier on ExpectedDuration.
func WithToleranceFactor(f float64) Option {
	return func(t *Tracker) {
		if f > 0 {
			t.tolerance = f
		}
	}
}

// WithRetention sets how long terminal executions are kept.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// NewTracker creates a tracker for entityID.
func NewTracker(entityID string, opts ...Option) *Tracker {
	t := &Tracker{
		entityID:   entityID,
		executions: make(map[string]*Execution),
		now:        time.Now,
		newID:      uuid.NewString,
		tolerance:  DefaultToleranceFactor,
		retention:  DefaultRetention,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EntityID returns the owning entity.
func (t *Tracker) EntityID() string { return t.entityID }

// Propose creates Pending executions for every catalog PKG bound to action
// and allowed in phase. PKGs with a non-terminal execution are skipped.
func (t *Tracker) Propose(action gate.Action, phase string, tick uint64, cat *catalog.Catalog) Proposal {
	var p Proposal
	for _, pkg := range cat.PackagesFor(action) {
		switch {
		case !pkg.AppliesTo(phase):
			p.Alternatives = append(p.Alternatives, Alternative{PKGID: pkg.ID, Reason: "not offered in phase " + phase})
		case t.active(pkg.ID) != nil:
			p.Alternatives = append(p.Alternatives, Alternative{PKGID: pkg.ID, Reason: "already " + string(t.active(pkg.ID).Status)})
		default:
			e := t.create(pkg, string(action), tick)
			p.Created = append(p.Created, e.clone())
			p.Alternatives = append(p.Alternatives, Alternative{PKGID: pkg.ID, Proposed: true, Reason: "bound to " + string(action)})
		}
	}
	return p
}

// ProposeTrigger creates a Pending execution of the trigger's PKG when the
// trigger is breached by value and the PKG is not already active.
func (t *Tracker) ProposeTrigger(trig catalog.Trigger, value float64, tick uint64, cat *catalog.Catalog) (Proposal, bool) {
	var p Proposal
	if !trig.Breached(value) {
		return p, false
	}
	pkg, ok := cat.Package(trig.Package)
	if !ok {
		p.Alternatives = append(p.Alternatives, Alternative{PKGID: trig.Package, Reason: "package not in catalog"})
		return p, false
	}
	if a := t.active(pkg.ID); a != nil {
		p.Alternatives = append(p.Alternatives, Alternative{PKGID: pkg.ID, Reason: "already " + string(a.Status)})
		return p, false
	}
	e := t.create(pkg, "trigger:"+trig.ID, tick)
	p.Created = append(p.Created, e.clone())
	p.Alternatives = append(p.Alternatives, Alternative{
		PKGID:    pkg.ID,
		Proposed: true,
		Reason:   fmt.Sprintf("trigger %s breached by %s=%g", trig.ID, trig.Metric, value),
	})
	return p, true
}

func (t *Tracker) create(pkg catalog.Package, origin string, tick uint64) *Execution {
	now := t.now()
	e := &Execution{
		ID:                t.newID(),
		PKGID:             pkg.ID,
		EntityID:          t.entityID,
		Status:            StatusPending,
		Priority:          pkg.Priority,
		Class:             pkg.Class,
		RequiredResources: append([]string(nil), pkg.Resources...),
		ExpectedDuration:  pkg.ExpectedDuration,
		Origin:            origin,
		Tick:              tick,
		ProposedAt:        now,
		UpdatedAt:         now,
		Reason:            "proposed by " + origin,
	}
	t.executions[e.ID] = e
	return e
}

func (t *Tracker) active(pkgID string) *Execution {
	for _, e := range t.executions {
		if e.PKGID == pkgID && !e.Status.Terminal() {
			return e
		}
	}
	return nil
}

// Requeue moves every Deferred execution back to Pending for re-evaluation.
// Executions whose PKG left the catalog are cancelled instead.
func (t *Tracker) Requeue(cat *catalog.Catalog) {
	for _, e := range t.sorted() {
		if e.Status != StatusDeferred {
			continue
		}
		if cat != nil {
			if _, ok := cat.Package(e.PKGID); !ok {
				e.Held = nil
				_ = t.transition(e, StatusCancelled, "package removed from catalog")
				continue
			}
		}
		_ = t.transition(e, StatusPending, "re-evaluating deferred execution")
	}
}

// Candidates returns the Pending executions as resolver candidates.
func (t *Tracker) Candidates() []conflict.Candidate {
	var out []conflict.Candidate
	for _, e := range t.sorted() {
		if e.Status != StatusPending {
			continue
		}
		out = append(out, conflict.Candidate{
			ExecutionID: e.ID,
			PKGID:       e.PKGID,
			Priority:    e.Priority,
			Class:       e.Class,
			Resources:   append([]string(nil), e.RequiredResources...),
			Holds:       append([]string(nil), e.Held...),
			Deferrals:   e.Deferrals,
		})
	}
	return out
}

// Holders returns the Running executions as resolver holders.
func (t *Tracker) Holders() []conflict.Holder {
	var out []conflict.Holder
	for _, e := range t.sorted() {
		if e.Status != StatusRunning {
			continue
		}
		out = append(out, conflict.Holder{
			ExecutionID: e.ID,
			PKGID:       e.PKGID,
			Priority:    e.Priority,
			Class:       e.Class,
			Resources:   append([]string(nil), e.Held...),
		})
	}
	return out
}

// Apply performs the transitions a resolution calls for and returns the
// resulting escalations. Preemptions are applied first so released keys are
// never briefly held twice.
func (t *Tracker) Apply(res conflict.Resolution) ([]Escalation, error) {
	for _, p := range res.Preemptions {
		e, ok := t.executions[p.ExecutionID]
		if !ok {
			return nil, fmt.Errorf("preempt %s: %w", p.ExecutionID, ErrNotFound)
		}
		if err := t.transition(e, StatusDeferred, p.Reason); err != nil {
			return nil, err
		}
		e.Held = append([]string(nil), p.Retained...)
		e.Deferrals = 0
	}

	var escalations []Escalation
	for _, o := range res.Outcomes {
		e, ok := t.executions[o.ExecutionID]
		if !ok {
			return escalations, fmt.Errorf("apply %s: %w", o.ExecutionID, ErrNotFound)
		}

		var err error
		switch o.Verdict {
		case conflict.VerdictStart:
			e.Held = append([]string(nil), o.Holds...)
			err = t.transition(e, StatusRunning, o.Reason)
		case conflict.VerdictDefer:
			e.Held = append([]string(nil), o.Holds...)
			if o.Stalled {
				e.Deferrals++
			} else {
				e.Deferrals = 0
			}
			err = t.transition(e, StatusDeferred, o.Reason)
		case conflict.VerdictCancel:
			e.Held = nil
			e.Escalated = true
			err = t.transition(e, StatusCancelled, o.Reason)
			if err == nil {
				escalations = append(escalations, Escalation{
					Kind:      EscalationUnschedulable,
					Execution: e.clone(),
					Reason:    o.Reason,
					At:        e.UpdatedAt,
				})
			}
		default:
			err = fmt.Errorf("apply %s: unknown verdict %q", o.ExecutionID, o.Verdict)
		}
		if err != nil {
			return escalations, err
		}
	}

	return escalations, t.checkExclusion()
}

func (t *Tracker) checkExclusion() error {
	owner := map[string]string{}
	for _, e := range t.sorted() {
		if e.Status != StatusRunning {
			continue
		}
		for _, k := range e.Held {
			if prev, dup := owner[k]; dup {
				return fmt.Errorf("%w: %s held by %s and %s", ErrExclusionViolated, k, prev, e.ID)
			}
			owner[k] = e.ID
		}
	}
	return nil
}

// Progress records externally reported progress on a Running execution.
func (t *Tracker) Progress(id string, pct float64) error {
	e, err := t.running(id)
	if err != nil {
		return err
	}
	if pct < 0 || pct > 100 || pct != pct {
		return ErrInvalidProgress
	}
	e.Progress = pct
	e.UpdatedAt = t.now()
	return nil
}

// Complete finishes a Running execution.
func (t *Tracker) Complete(id, note string) error {
	e, err := t.running(id)
	if err != nil {
		return err
	}
	if note == "" {
		note = "completed"
	}
	e.Progress = 100
	e.Held = nil
	return t.transition(e, StatusCompleted, note)
}

// Fail marks a Running execution failed.
func (t *Tracker) Fail(id, reason string) error {
	e, err := t.running(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "failed"
	}
	e.Held = nil
	return t.transition(e, StatusFailed, reason)
}

func (t *Tracker) running(id string) (*Execution, error) {
	e, ok := t.executions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, id, e.Status)
	}
	return e, nil
}

// CheckStale escalates Running executions that exceeded their expected
// duration times the tolerance factor. Each execution escalates once and is
// never cancelled by this check.
func (t *Tracker) CheckStale() []Escalation {
	now := t.now()
	var out []Escalation
	for _, e := range t.sorted() {
		if e.Status != StatusRunning || e.Escalated || e.ExpectedDuration <= 0 {
			continue
		}
		limit := time.Duration(float64(e.ExpectedDuration) * t.tolerance)
		elapsed := now.Sub(e.StartTime)
		if elapsed <= limit {
			continue
		}
		e.Escalated = true
		e.UpdatedAt = now
		out = append(out, Escalation{
			Kind:      EscalationStale,
			Execution: e.clone(),
			Reason:    fmt.Sprintf("running %s, expected %s (tolerance x%.1f)", elapsed.Round(time.Second), e.ExpectedDuration, t.tolerance),
			At:        now,
		})
	}
	return out
}

// Sweep removes terminal executions older than the retention period and
// returns them for archiving.
func (t *Tracker) Sweep() []Execution {
	cutoff := t.now().Add(-t.retention)
	var out []Execution
	for _, e := range t.sorted() {
		if !e.Status.Terminal() || e.FinishedAt.After(cutoff) {
			continue
		}
		out = append(out, e.clone())
		delete(t.executions, e.ID)
	}
	return out
}

// Drain returns and clears the state changes recorded since the last call.
func (t *Tracker) Drain() []StateChange {
	out := t.changes
	t.changes = nil
	return out
}

// Get returns a copy of one execution.
func (t *Tracker) Get(id string) (Execution, bool) {
	e, ok := t.executions[id]
	if !ok {
		return Execution{}, false
	}
	return e.clone(), true
}

// List returns copies of all executions, oldest proposal first.
func (t *Tracker) List() []Execution {
	src := t.sorted()
	out := make([]Execution, len(src))
	for i, e := range src {
		out[i] = e.clone()
	}
	return out
}

// Counts returns the number of executions per status.
func (t *Tracker) Counts() map[Status]int {
	out := map[Status]int{}
	for _, e := range t.executions {
		out[e.Status]++
	}
	return out
}

func (t *Tracker) transition(e *Execution, to Status, reason string) error {
	from := e.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, e.ID, from, to)
	}
	now := t.now()
	e.Status = to
	e.Reason = reason
	e.UpdatedAt = now
	switch {
	case to == StatusRunning:
		e.StartTime = now
	case to.Terminal():
		e.FinishedAt = now
	}
	t.changes = append(t.changes, StateChange{
		Execution: e.clone(),
		From:      from,
		To:        to,
		Reason:    reason,
		At:        now,
	})
	return nil
}

func (t *Tracker) sorted() []*Execution {
	out := make([]*Execution, 0, len(t.executions))
	for _, e := range t.executions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ProposedAt.Before(out[j].ProposedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
