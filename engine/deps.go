package engine

import (
	"sort"

	"github.com/dipeo/dipeo-go/diagram"
)

// DepTracker precomputes the structures that answer "is node N ready?" in
// constant time and "who does N unblock?" in out-degree time.
//
// Indegree rules:
//   - Conditional (branch-labeled) arrows never contribute; they are
//     traversed only when the source Condition's result matches.
//   - Arrows from a skippable Condition to a target with more than one
//     distinct incoming source do not contribute (the condition may be
//     bypassed without blocking).
//   - Self-loops do not contribute; re-entry is the scheduler's concern.
type DepTracker struct {
	indegree   map[diagram.NodeID]int
	dependents map[diagram.NodeID][]diagram.NodeID

	// priorityDeps maps a target to the sibling targets that must complete
	// first, induced by execution_priority on arrows sharing a source.
	priorityDeps map[diagram.NodeID][]diagram.NodeID

	// inCycle marks nodes reachable from themselves. Branch-skip
	// propagation must not prune targets of a condition that can re-run.
	inCycle map[diagram.NodeID]bool

	completed map[diagram.NodeID]bool
	order     []diagram.NodeID
}

// TrackerStats is the observability snapshot of a tracker.
type TrackerStats struct {
	Nodes        int
	Completed    int
	Pending      int
	PriorityDeps int
}

// NewDepTracker builds the tracker from a resolved diagram.
func NewDepTracker(d *diagram.Diagram) *DepTracker {
	t := &DepTracker{
		indegree:     make(map[diagram.NodeID]int, d.Len()),
		dependents:   make(map[diagram.NodeID][]diagram.NodeID),
		priorityDeps: make(map[diagram.NodeID][]diagram.NodeID),
		inCycle:      make(map[diagram.NodeID]bool),
		completed:    make(map[diagram.NodeID]bool),
		order:        d.Nodes(),
	}

	for _, id := range t.order {
		t.indegree[id] = 0
	}

	for _, a := range d.Arrows() {
		if a.IsConditional() || a.IsSelfLoop() {
			continue
		}
		src := d.Node(a.Source)
		if src.IsCondition() && src.Skippable() && d.DistinctSources(a.Target) > 1 {
			continue
		}
		t.indegree[a.Target]++
		t.dependents[a.Source] = append(t.dependents[a.Source], a.Target)
	}

	t.buildPriorityDeps(d)
	t.findCycles(d)
	return t
}

// buildPriorityDeps records, for every source with prioritized siblings,
// that lower-priority targets wait on higher-priority ones.
func (t *DepTracker) buildPriorityDeps(d *diagram.Diagram) {
	for _, src := range t.order {
		out := d.Outgoing(src)
		if len(out) < 2 {
			continue
		}
		sorted := make([]*diagram.Arrow, len(out))
		copy(sorted, out)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority > sorted[j].Priority
		})

		for i, lower := range sorted {
			for _, higher := range sorted[:i] {
				if higher.Priority <= lower.Priority || higher.Target == lower.Target {
					continue
				}
				t.priorityDeps[lower.Target] = appendUnique(t.priorityDeps[lower.Target], higher.Target)
			}
		}
	}
}

func appendUnique(list []diagram.NodeID, id diagram.NodeID) []diagram.NodeID {
	for _, n := range list {
		if n == id {
			return list
		}
	}
	return append(list, id)
}

// findCycles marks every node that can reach itself through arrows.
func (t *DepTracker) findCycles(d *diagram.Diagram) {
	for _, start := range t.order {
		if t.inCycle[start] {
			continue
		}
		visited := make(map[diagram.NodeID]bool)
		stack := []diagram.NodeID{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, a := range d.Outgoing(n) {
				if a.Target == start {
					t.inCycle[start] = true
					stack = nil
					break
				}
				if !visited[a.Target] {
					visited[a.Target] = true
					stack = append(stack, a.Target)
				}
			}
		}
	}
}

// InitialReady returns the nodes with zero indegree, in diagram order.
func (t *DepTracker) InitialReady() []diagram.NodeID {
	var out []diagram.NodeID
	for _, id := range t.order {
		if t.indegree[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// MarkCompleted records N as done and returns the dependents whose
// indegree reached zero. Marking twice is a no-op. Skipped nodes are
// marked through the same path: only completion and skip unblock
// dependents.
func (t *DepTracker) MarkCompleted(id diagram.NodeID) []diagram.NodeID {
	if t.completed[id] {
		return nil
	}
	t.completed[id] = true

	var ready []diagram.NodeID
	for _, dep := range t.dependents[id] {
		t.indegree[dep]--
		if t.indegree[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	return ready
}

// IsCompleted reports whether N has completed or been skipped.
func (t *DepTracker) IsCompleted(id diagram.NodeID) bool { return t.completed[id] }

// PriorityDeps returns the sibling targets that must complete before N.
func (t *DepTracker) PriorityDeps(id diagram.NodeID) []diagram.NodeID {
	return t.priorityDeps[id]
}

// InCycle reports whether N participates in a cycle.
func (t *DepTracker) InCycle(id diagram.NodeID) bool { return t.inCycle[id] }

// Stats returns counters for observability.
func (t *DepTracker) Stats() TrackerStats {
	deps := 0
	for _, d := range t.priorityDeps {
		deps += len(d)
	}
	return TrackerStats{
		Nodes:        len(t.order),
		Completed:    len(t.completed),
		Pending:      len(t.order) - len(t.completed),
		PriorityDeps: deps,
	}
}
