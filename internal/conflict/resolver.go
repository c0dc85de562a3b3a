// Package conflict decides which PKG candidates of one entity may run when
// they contend for exclusive resource keys.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

// DefaultMaxDeferrals disables the stall cap: a candidate waiting on an
// active holder is deferred for as long as the holder runs.
const DefaultMaxDeferrals = 0

// ReasonUnschedulable prefixes every cancellation reason.
const ReasonUnschedulable = "unschedulable"

// Candidate is a Pending execution asking for resources this tick.
type Candidate struct {
	ExecutionID string
	PKGID       string
	Priority    int
	Class       gate.Class

	// Resources are the keys the PKG needs exclusively to run.
	Resources []string

	// Holds are keys the execution still reserves from an earlier run.
	Holds []string

	// Deferrals counts consecutive stalled deferrals (see Outcome.Stalled).
	Deferrals int
}

// Holder is a Running execution and the keys it holds.
type Holder struct {
	ExecutionID string
	PKGID       string
	Priority    int
	Class       gate.Class
	Resources   []string
}

// Verdict is the resolution of one candidate.
type Verdict string

// Candidate verdicts.
const (
	VerdictStart  Verdict = "start"
	VerdictDefer  Verdict = "defer"
	VerdictCancel Verdict = "cancel"
)

// Outcome is the resolution of one candidate.
type Outcome struct {
	ExecutionID string   `json:"execution_id"`
	PKGID       string   `json:"pkg_id"`
	Verdict     Verdict  `json:"verdict"`
	Reason      string   `json:"reason"`
	Set         int      `json:"set"`
	BlockedBy   []string `json:"blocked_by,omitempty"`

	// Holds are the keys the execution holds after this resolution.
	Holds []string `json:"holds,omitempty"`

	// Stalled marks a deferral caused only by reservations of other waiting
	// candidates. Waiting on a running or just started owner is not a stall.
	Stalled bool `json:"stalled,omitempty"`
}

// Preemption records a Running holder displaced by a crisis candidate.
type Preemption struct {
	ExecutionID string   `json:"execution_id"`
	PKGID       string   `json:"pkg_id"`
	By          string   `json:"by"`
	Released    []string `json:"released"`
	Retained    []string `json:"retained,omitempty"`
	Reason      string   `json:"reason"`
}

// Set is a group of candidates linked through shared resource keys.
type Set struct {
	ID         int      `json:"id"`
	Keys       []string `json:"keys"`
	Executions []string `json:"executions"`
}

// Resolution is the complete result of one resolver pass. Outcomes holds
// exactly one entry per candidate.
type Resolution struct {
	Outcomes    []Outcome    `json:"outcomes"`
	Preemptions []Preemption `json:"preemptions,omitempty"`
	Sets        []Set        `json:"sets,omitempty"`
}

// Escalations returns the cancelled outcomes.
func (r Resolution) Escalations() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Verdict == VerdictCancel {
			out = append(out, o)
		}
	}
	return out
}

// Outcome looks up the outcome for an execution.
func (r Resolution) Outcome(executionID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ExecutionID == executionID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Resolver resolves contention. It is stateless; per-candidate history is
// carried in Candidate.Deferrals.
type Resolver struct {
	// MaxDeferrals cancels a candidate after that many consecutive stalled
	// deferrals. Zero means no cap.
	MaxDeferrals int
}

// NewResolver creates a resolver. A non-positive maxDeferrals disables the
// stall cap.
func NewResolver(maxDeferrals int) *Resolver {
	if maxDeferrals < 0 {
		maxDeferrals = DefaultMaxDeferrals
	}
	return &Resolver{MaxDeferrals: maxDeferrals}
}

type ownerKind int

const (
	ownerRunning ownerKind = iota
	ownerStarted
	ownerWaiting
)

type owner struct {
	id    string
	pkg   string
	class gate.Class
	kind  ownerKind
	cand  int
	keys  map[string]struct{}
}

// Resolve runs one pass over the candidates of a single entity.
//
// Candidates are visited by priority (lower first), then PKG ID. A candidate
// whose keys are all free starts. A crisis candidate blocked only by
// non-crisis owners displaces them: Running holders are preempted and give
// up the contested keys, candidates lose their reservation on them. Any
// other blocked candidate is deferred. It is cancelled as unschedulable only
// when its set can make no progress, or when MaxDeferrals is set and it has
// stalled behind waiting reservations that many ticks in a row.
func (r *Resolver) Resolve(candidates []Candidate, running []Holder) Resolution {
	cands := append([]Candidate(nil), candidates...)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority < cands[j].Priority
		}
		if cands[i].PKGID != cands[j].PKGID {
			return cands[i].PKGID < cands[j].PKGID
		}
		return cands[i].ExecutionID < cands[j].ExecutionID
	})

	claims := map[string]*owner{}
	for _, h := range running {
		o := &owner{id: h.ExecutionID, pkg: h.PKGID, class: h.Class, kind: ownerRunning, cand: -1, keys: set(h.Resources)}
		for _, k := range h.Resources {
			claims[k] = o
		}
	}

	owners := make([]*owner, len(cands))
	for i, c := range cands {
		o := &owner{id: c.ExecutionID, pkg: c.PKGID, class: c.Class, kind: ownerWaiting, cand: i, keys: map[string]struct{}{}}
		owners[i] = o
		for _, k := range c.Holds {
			if _, taken := claims[k]; taken {
				continue
			}
			claims[k] = o
			o.keys[k] = struct{}{}
		}
	}

	setOf, sets := groupSets(cands)

	outcomes := make([]Outcome, len(cands))
	var preemptions []Preemption
	preempted := map[string]int{}
	blocked := make([][]*owner, len(cands))

	for i, c := range cands {
		outcomes[i] = Outcome{ExecutionID: c.ExecutionID, PKGID: c.PKGID, Set: setOf[i]}
		self := owners[i]

		blockers := blockersOf(c.Resources, claims, self)
		if len(blockers) > 0 && c.Class == gate.ClassCrisis && !anyCrisis(blockers) {
			for _, b := range blockers {
				contested := intersect(c.Resources, b.keys)
				for _, k := range contested {
					delete(b.keys, k)
					delete(claims, k)
				}
				switch b.kind {
				case ownerRunning:
					if j, ok := preempted[b.id]; ok {
						p := &preemptions[j]
						p.Released = append(p.Released, contested...)
						sort.Strings(p.Released)
						p.Retained = sortedKeys(b.keys)
						continue
					}
					preempted[b.id] = len(preemptions)
					preemptions = append(preemptions, Preemption{
						ExecutionID: b.id,
						PKGID:       b.pkg,
						By:          c.ExecutionID,
						Released:    contested,
						Retained:    sortedKeys(b.keys),
						Reason:      fmt.Sprintf("preempted by crisis %s on %s", c.PKGID, strings.Join(contested, ",")),
					})
				case ownerStarted:
					outcomes[b.cand].Verdict = VerdictDefer
					outcomes[b.cand].Reason = fmt.Sprintf("preempted by crisis %s on %s", c.PKGID, strings.Join(contested, ","))
					outcomes[b.cand].BlockedBy = []string{c.ExecutionID}
					b.kind = ownerWaiting
				}
			}
			blockers = nil
		}

		if len(blockers) == 0 {
			self.kind = ownerStarted
			for _, k := range c.Resources {
				claims[k] = self
				self.keys[k] = struct{}{}
			}
			outcomes[i].Verdict = VerdictStart
			outcomes[i].Reason = "resources available"
			continue
		}
		blocked[i] = blockers
	}

	// Per-set progress: a set in which nothing starts and nothing waits on a
	// running or started owner is deadlocked on its own reservations.
	progress := make(map[int]bool, len(sets))
	for i := range cands {
		if outcomes[i].Verdict == VerdictStart {
			progress[setOf[i]] = true
		}
		for _, b := range blocked[i] {
			if b.kind != ownerWaiting {
				progress[setOf[i]] = true
			}
		}
	}

	for i, c := range cands {
		out := &outcomes[i]
		if out.Verdict == VerdictStart {
			out.Holds = sortedKeys(owners[i].keys)
			continue
		}
		if out.Verdict == VerdictDefer && blocked[i] == nil {
			// Displaced after starting in this pass.
			out.Holds = sortedKeys(owners[i].keys)
			continue
		}

		ids := make([]string, 0, len(blocked[i]))
		stalled := true
		for _, b := range blocked[i] {
			ids = append(ids, b.id)
			if b.kind != ownerWaiting {
				stalled = false
			}
		}
		out.BlockedBy = ids

		switch {
		case !progress[setOf[i]]:
			out.Verdict = VerdictCancel
			out.Reason = fmt.Sprintf("%s: cyclic exclusive requirements with %s", ReasonUnschedulable, strings.Join(ids, ","))
		case stalled && r.MaxDeferrals > 0 && c.Deferrals+1 >= r.MaxDeferrals:
			out.Verdict = VerdictCancel
			out.Reason = fmt.Sprintf("%s: stalled %d consecutive ticks behind %s", ReasonUnschedulable, c.Deferrals+1, strings.Join(ids, ","))
		default:
			out.Verdict = VerdictDefer
			out.Reason = fmt.Sprintf("blocked by %s", strings.Join(ids, ","))
			out.Holds = sortedKeys(owners[i].keys)
			out.Stalled = stalled
		}
	}

	return Resolution{Outcomes: outcomes, Preemptions: preemptions, Sets: sets}
}

func blockersOf(keys []string, claims map[string]*owner, self *owner) []*owner {
	var out []*owner
	seen := map[*owner]bool{}
	for _, k := range keys {
		o, ok := claims[k]
		if !ok || o == self || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

func anyCrisis(owners []*owner) bool {
	for _, o := range owners {
		if o.class == gate.ClassCrisis {
			return true
		}
	}
	return false
}

// groupSets links candidates sharing any required or held key (union-find)
// and numbers the sets in candidate order.
func groupSets(cands []Candidate) ([]int, []Set) {
	parent := make([]int, len(cands))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	firstByKey := map[string]int{}
	for i, c := range cands {
		for _, k := range append(append([]string(nil), c.Resources...), c.Holds...) {
			if j, ok := firstByKey[k]; ok {
				if a, b := find(i), find(j); a != b {
					parent[a] = b
				}
				continue
			}
			firstByKey[k] = i
		}
	}

	ids := map[int]int{}
	setOf := make([]int, len(cands))
	var sets []Set
	keys := map[int]map[string]struct{}{}
	for i, c := range cands {
		root := find(i)
		id, ok := ids[root]
		if !ok {
			id = len(sets)
			ids[root] = id
			sets = append(sets, Set{ID: id})
			keys[id] = map[string]struct{}{}
		}
		setOf[i] = id
		sets[id].Executions = append(sets[id].Executions, c.ExecutionID)
		for _, k := range c.Resources {
			keys[id][k] = struct{}{}
		}
		for _, k := range c.Holds {
			keys[id][k] = struct{}{}
		}
	}
	for id := range sets {
		sets[id].Keys = sortedKeys(keys[id])
	}
	return setOf, sets
}

func set(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func intersect(keys []string, held map[string]struct{}) []string {
	var out []string
	for _, k := range keys {
		if _, ok := held[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
