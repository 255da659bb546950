package engine

import (
	"fmt"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/events"
)

// Scheduler decides which node may run next. It layers per-execution
// bookkeeping over the DepTracker: condition results, first-only seed
// consumption, requeue counts, and iteration caps.
//
// Cycles are permitted and never rejected; loop termination relies on
// iteration caps, condition-driven exits, or an Endpoint node.
type Scheduler struct {
	d       *diagram.Diagram
	tracker *DepTracker
	cctx    *ExecContext

	conditionValues   map[diagram.NodeID]bool
	firstOnlyConsumed map[diagram.NodeID]bool
	requeueCount      map[diagram.NodeID]int
	maxIterations     map[diagram.NodeID]int
	skipped           map[diagram.NodeID]bool

	// forcedArrows marks branch arrows traversed through the
	// max-iterations exit: when every target of the matching branch is
	// capped or skipped, the opposite branch is taken instead.
	forcedArrows map[string]bool

	maxRequeue int
	notifySkip func(id diagram.NodeID, reason string)

	queue     []queuedNode
	queuedSet map[diagram.NodeID]bool
	popSeq    int
}

type queuedNode struct {
	id       diagram.NodeID
	priority int
	seq      int
}

// NewScheduler builds a scheduler for one execution. defaultCap bounds
// nodes that do not configure max_iteration; maxRequeue bounds how often a
// waiting node is reconsidered before the execution is declared starved.
// notifySkip is invoked exactly once per node the scheduler skips.
func NewScheduler(d *diagram.Diagram, tracker *DepTracker, cctx *ExecContext, defaultCap, maxRequeue int, notifySkip func(diagram.NodeID, string)) *Scheduler {
	s := &Scheduler{
		d:                 d,
		tracker:           tracker,
		cctx:              cctx,
		conditionValues:   make(map[diagram.NodeID]bool),
		firstOnlyConsumed: make(map[diagram.NodeID]bool),
		requeueCount:      make(map[diagram.NodeID]int),
		maxIterations:     make(map[diagram.NodeID]int, d.Len()),
		skipped:           make(map[diagram.NodeID]bool),
		forcedArrows:      make(map[string]bool),
		maxRequeue:        maxRequeue,
		notifySkip:        notifySkip,
		queuedSet:         make(map[diagram.NodeID]bool),
	}
	for _, id := range d.Nodes() {
		cap := d.Node(id).MaxIterations()
		if cap <= 0 {
			cap = defaultCap
		}
		s.maxIterations[id] = cap
	}
	return s
}

// Seed enqueues the initially ready nodes.
func (s *Scheduler) Seed() {
	for _, id := range s.tracker.InitialReady() {
		s.enqueue(id, 0)
	}
}

func (s *Scheduler) enqueue(id diagram.NodeID, priority int) {
	if s.queuedSet[id] || s.skipped[id] {
		return
	}
	s.popSeq++
	s.queue = append(s.queue, queuedNode{id: id, priority: priority, seq: s.popSeq})
	s.queuedSet[id] = true
}

// pop removes and returns the best queued node: highest unblocking arrow
// priority first, insertion order breaking ties.
func (s *Scheduler) pop() queuedNode {
	best := 0
	for i := 1; i < len(s.queue); i++ {
		q, b := s.queue[i], s.queue[best]
		if q.priority > b.priority || (q.priority == b.priority && q.seq < b.seq) {
			best = i
		}
	}
	q := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	delete(s.queuedSet, q.id)
	return q
}

// QueueLen returns the number of queued candidates.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// Next returns the next runnable node.
//
// ok=false with a nil error means the queue has drained and the execution
// is complete. errNoneReady means every queued candidate is waiting on a
// dependency that may still appear; the caller should apply in-flight
// results and ask again. A starvation error is fatal to the execution.
//
// Nodes at their iteration cap are skipped here (reason max_iterations)
// and treated as completed for dependency propagation.
func (s *Scheduler) Next() (diagram.NodeID, bool, error) {
	cycle := len(s.queue)
	for i := 0; i < cycle && len(s.queue) > 0; i++ {
		q := s.pop()
		id := q.id
		if s.skipped[id] || s.d.Node(id) == nil {
			continue
		}

		if s.atCap(id) {
			s.markSkipped(id, events.SkipReasonMaxIterations)
			continue
		}

		switch s.readiness(s.d.Node(id)) {
		case stateReady:
			s.requeueCount[id] = 0
			return id, true, nil
		case stateOrphaned:
			s.markSkipped(id, events.SkipReasonBranchNotTaken)
		default:
			s.requeueCount[id]++
			if s.requeueCount[id] > s.maxRequeue {
				return "", false, &EngineError{
					Code:    CodeStarvation,
					Message: fmt.Sprintf("node %s exceeded %d requeue attempts waiting for dependencies", id, s.maxRequeue),
				}
			}
			s.enqueue(id, q.priority)
		}
	}

	if len(s.queue) == 0 {
		return "", false, nil
	}
	return "", false, errNoneReady
}

func (s *Scheduler) atCap(id diagram.NodeID) bool {
	return s.cctx.Count(id) >= s.maxIterations[id]
}

// markSkipped records a permanent skip, notifies once, and propagates
// completion so dependents unblock.
func (s *Scheduler) markSkipped(id diagram.NodeID, reason string) {
	if s.skipped[id] {
		return
	}
	s.skipped[id] = true
	if s.notifySkip != nil {
		s.notifySkip(id, reason)
	}
	for _, m := range s.tracker.MarkCompleted(id) {
		s.enqueue(m, s.maxArrowPriority(id, m))
	}
}

type nodeReadiness int

const (
	stateNotReady nodeReadiness = iota
	stateReady
	stateOrphaned
)

// readiness validates every incoming arrow of the node.
//
// An arrow is validated when its value is available (or permanently
// inert), dropped when it can never deliver, and pending when its source
// may still produce. Pending wins over everything; a node whose arrows
// all dropped is orphaned (its branch was never taken).
func (s *Scheduler) readiness(node *diagram.Node) nodeReadiness {
	id := node.ID

	for _, dep := range s.tracker.PriorityDeps(id) {
		if !s.tracker.IsCompleted(dep) {
			return stateNotReady
		}
	}

	if node.IsStart() {
		return stateReady
	}
	incoming := s.d.Incoming(id)
	if len(incoming) == 0 {
		return stateReady
	}

	// First-only seed: a PersonJob-family node may begin as soon as one
	// seed value exists, before its recurring inputs do.
	if node.IsPersonJob() && !s.firstOnlyConsumed[id] {
		for _, a := range incoming {
			if !a.IsFirstOnly() {
				continue
			}
			if _, ok := s.cctx.Output(a.Source); ok {
				return stateReady
			}
		}
	}

	validated, dropped := 0, 0
	pending := false
	for _, a := range incoming {
		if a.IsFirstOnly() && s.firstOnlyConsumed[id] {
			// Seed arrows are inert after consumption.
			validated++
			continue
		}
		if a.IsSelfLoop() {
			// A self-loop cannot carry a value before the node's own first
			// run; it is inert then and delivers afterwards.
			validated++
			continue
		}
		if a.IsConditional() && !s.forcedArrows[a.ID] {
			val, evaluated := s.conditionValues[a.Source]
			if !evaluated {
				switch {
				case s.skipped[a.Source]:
					dropped++
				case s.tracker.InCycle(a.Source) && s.tracker.InCycle(id):
					// Loop-back edge: the condition sits downstream of this
					// node in the cycle, so it cannot have produced before
					// the first iteration. Inert until evaluated.
					validated++
				default:
					pending = true
				}
				continue
			}
			if val != a.WantsTrue() {
				// Inside a cycle the condition may flip on a later
				// iteration; elsewhere the branch is dead.
				if s.tracker.InCycle(a.Source) {
					pending = true
				} else {
					dropped++
				}
				continue
			}
		}

		src := s.d.Node(a.Source)
		if !a.IsConditional() && src.IsCondition() && src.Skippable() && s.d.DistinctSources(id) > 1 {
			// Bypassable condition: its value is optional.
			if _, ok := s.cctx.Output(a.Source); ok {
				validated++
			} else {
				dropped++
			}
			continue
		}
		if s.skipped[a.Source] {
			if _, ok := s.cctx.Output(a.Source); ok {
				validated++
			} else {
				dropped++
			}
			continue
		}
		if _, ok := s.cctx.Output(a.Source); ok {
			validated++
			continue
		}
		if src.IsStart() {
			validated++
			continue
		}
		pending = true
	}

	if pending {
		return stateNotReady
	}
	if validated == 0 && dropped > 0 {
		return stateOrphaned
	}
	return stateReady
}

// RecordCondition stores a Condition node's boolean result. Must be
// called before Complete for condition nodes.
func (s *Scheduler) RecordCondition(id diagram.NodeID, value bool) {
	s.conditionValues[id] = value
}

// ConditionValue returns the latest result of a Condition node.
func (s *Scheduler) ConditionValue(id diagram.NodeID) (bool, bool) {
	v, ok := s.conditionValues[id]
	return v, ok
}

// ConsumeFirstOnly marks the node's seed inputs as consumed. First-only
// means once ever: condition-driven re-entry does not rearm the seeds.
func (s *Scheduler) ConsumeFirstOnly(id diagram.NodeID) {
	s.firstOnlyConsumed[id] = true
}

// FirstOnlyConsumed reports whether the node has consumed its seeds.
func (s *Scheduler) FirstOnlyConsumed(id diagram.NodeID) bool {
	return s.firstOnlyConsumed[id]
}

// Skipped reports whether the node was permanently skipped.
func (s *Scheduler) Skipped(id diagram.NodeID) bool { return s.skipped[id] }

// ArrowDelivers reports whether the arrow contributes a value to the
// target's next run.
func (s *Scheduler) ArrowDelivers(a *diagram.Arrow, target diagram.NodeID) bool {
	if a.IsFirstOnly() && s.firstOnlyConsumed[target] {
		return false
	}
	if a.IsConditional() && !s.forcedArrows[a.ID] {
		val, ok := s.conditionValues[a.Source]
		if !ok || val != a.WantsTrue() {
			return false
		}
	}
	_, ok := s.cctx.Output(a.Source)
	return ok
}

// Complete propagates a node's completion: dependents whose indegree
// reached zero are enqueued, outgoing arrows are traversed (branch arrows
// per the recorded condition result), and dead branches are pruned.
func (s *Scheduler) Complete(id diagram.NodeID) {
	node := s.d.Node(id)

	for _, m := range s.tracker.MarkCompleted(id) {
		s.enqueue(m, s.maxArrowPriority(id, m))
	}

	if !node.IsCondition() {
		for _, a := range s.d.Outgoing(id) {
			s.traverse(a)
		}
		return
	}

	val := s.conditionValues[id]
	var matched, unmatched []*diagram.Arrow
	for _, a := range s.d.Outgoing(id) {
		switch {
		case !a.IsConditional():
			s.traverse(a)
		case a.WantsTrue() == val:
			matched = append(matched, a)
		default:
			unmatched = append(unmatched, a)
		}
	}

	// Max-iterations exit: when every matching target is capped or
	// skipped, the loop cannot continue; take the other branch instead.
	exitPath := len(matched) > 0
	for _, a := range matched {
		if !s.atCap(a.Target) && !s.skipped[a.Target] {
			exitPath = false
		}
		s.traverse(a)
	}
	switch {
	case exitPath:
		for _, a := range matched {
			if s.atCap(a.Target) {
				s.markSkipped(a.Target, events.SkipReasonMaxIterations)
			}
		}
		for _, a := range unmatched {
			s.forcedArrows[a.ID] = true
			s.traverse(a)
		}
	case !s.tracker.InCycle(id):
		// Outside a cycle the untaken branch is dead; prune it so
		// downstream joins do not wait forever.
		for _, a := range unmatched {
			s.skipBranch(a.Target)
		}
	}
}

// traverse considers an arrow's target for scheduling. First-time targets
// are normally enqueued through indegree propagation; direct enqueueing
// covers branch traversal, loop re-entry, and seed availability.
func (s *Scheduler) traverse(a *diagram.Arrow) {
	t := a.Target
	if s.skipped[t] {
		return
	}
	seed := a.IsFirstOnly() && !s.firstOnlyConsumed[t]
	if a.IsConditional() || a.IsSelfLoop() || seed || s.tracker.IsCompleted(t) {
		s.enqueue(t, a.Priority)
	}
}

// skipBranch prunes a dead branch recursively. A node survives when it
// retains any live input path; otherwise it is skipped and the pruning
// continues downstream.
func (s *Scheduler) skipBranch(t diagram.NodeID) {
	if s.skipped[t] || s.tracker.IsCompleted(t) || s.cctx.Count(t) > 0 {
		return
	}
	if s.hasLiveInput(t) {
		return
	}
	s.markSkipped(t, events.SkipReasonBranchNotTaken)
	for _, a := range s.d.Outgoing(t) {
		s.skipBranch(a.Target)
	}
}

func (s *Scheduler) hasLiveInput(t diagram.NodeID) bool {
	for _, a := range s.d.Incoming(t) {
		if s.skipped[a.Source] {
			if _, ok := s.cctx.Output(a.Source); ok {
				return true
			}
			continue
		}
		if a.IsConditional() && !s.forcedArrows[a.ID] {
			val, evaluated := s.conditionValues[a.Source]
			if evaluated && val != a.WantsTrue() && !s.tracker.InCycle(a.Source) {
				continue
			}
		}
		return true
	}
	return false
}

// maxArrowPriority returns the highest priority among arrows src → dst.
func (s *Scheduler) maxArrowPriority(src, dst diagram.NodeID) int {
	max := 0
	for _, a := range s.d.Outgoing(src) {
		if a.Target == dst && a.Priority > max {
			max = a.Priority
		}
	}
	return max
}
