package diagram

import "fmt"

// Diagram is an immutable, resolved workflow graph. Construction validates
// referential integrity (every arrow endpoint names a real node); cycles are
// permitted and common.
type Diagram struct {
	id     string
	nodes  map[NodeID]*Node
	order  []NodeID
	arrows []*Arrow

	incoming map[NodeID][]*Arrow
	outgoing map[NodeID][]*Arrow
}

// DiagramError reports a structural problem found while assembling a
// diagram.
type DiagramError struct {
	Message string
	Code    string
}

func (e *DiagramError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New assembles a Diagram from resolved nodes and arrows.
//
// Returns an error if:
//   - a node ID is empty or duplicated
//   - an arrow references a node that does not exist
//   - an arrow carries a branch label but its source is not a Condition
func New(id string, nodes []*Node, arrows []*Arrow) (*Diagram, error) {
	d := &Diagram{
		id:       id,
		nodes:    make(map[NodeID]*Node, len(nodes)),
		order:    make([]NodeID, 0, len(nodes)),
		arrows:   make([]*Arrow, 0, len(arrows)),
		incoming: make(map[NodeID][]*Arrow),
		outgoing: make(map[NodeID][]*Arrow),
	}

	for _, n := range nodes {
		if n == nil || n.ID == "" {
			return nil, &DiagramError{Message: "node ID cannot be empty", Code: "EMPTY_NODE_ID"}
		}
		if _, exists := d.nodes[n.ID]; exists {
			return nil, &DiagramError{
				Message: "duplicate node ID: " + string(n.ID),
				Code:    "DUPLICATE_NODE",
			}
		}
		d.nodes[n.ID] = n
		d.order = append(d.order, n.ID)
	}

	for _, a := range arrows {
		src, ok := d.nodes[a.Source]
		if !ok {
			return nil, &DiagramError{
				Message: fmt.Sprintf("arrow %s references unknown source node %s", a.ID, a.Source),
				Code:    "UNKNOWN_SOURCE",
			}
		}
		if _, ok := d.nodes[a.Target]; !ok {
			return nil, &DiagramError{
				Message: fmt.Sprintf("arrow %s references unknown target node %s", a.ID, a.Target),
				Code:    "UNKNOWN_TARGET",
			}
		}
		if a.IsConditional() && !src.IsCondition() {
			return nil, &DiagramError{
				Message: fmt.Sprintf("arrow %s carries branch %q but source %s is not a condition node", a.ID, a.Branch, a.Source),
				Code:    "BRANCH_WITHOUT_CONDITION",
			}
		}
		d.arrows = append(d.arrows, a)
		d.incoming[a.Target] = append(d.incoming[a.Target], a)
		d.outgoing[a.Source] = append(d.outgoing[a.Source], a)
	}

	return d, nil
}

// ID returns the diagram identifier. May be empty for ad-hoc executions.
func (d *Diagram) ID() string { return d.id }

// Node returns the node with the given ID, or nil.
func (d *Diagram) Node(id NodeID) *Node { return d.nodes[id] }

// Nodes returns all node IDs in insertion order.
func (d *Diagram) Nodes() []NodeID {
	out := make([]NodeID, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of nodes.
func (d *Diagram) Len() int { return len(d.order) }

// Arrows returns every arrow in the diagram.
func (d *Diagram) Arrows() []*Arrow {
	out := make([]*Arrow, len(d.arrows))
	copy(out, d.arrows)
	return out
}

// Incoming returns the arrows targeting the given node.
func (d *Diagram) Incoming(id NodeID) []*Arrow { return d.incoming[id] }

// Outgoing returns the arrows leaving the given node.
func (d *Diagram) Outgoing(id NodeID) []*Arrow { return d.outgoing[id] }

// StartNodes returns the IDs of all Start-typed nodes in insertion order.
func (d *Diagram) StartNodes() []NodeID {
	var out []NodeID
	for _, id := range d.order {
		if d.nodes[id].IsStart() {
			out = append(out, id)
		}
	}
	return out
}

// DistinctSources returns the number of distinct source nodes feeding the
// given target. Used by the dependency tracker to decide whether a
// skippable condition edge can be excluded from indegree.
func (d *Diagram) DistinctSources(id NodeID) int {
	seen := make(map[NodeID]struct{})
	for _, a := range d.incoming[id] {
		seen[a.Source] = struct{}{}
	}
	return len(seen)
}
