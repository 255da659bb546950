// Package diagram defines the resolved workflow graph consumed by the
// execution engine: typed nodes, arrows with content-type and branch
// attributes, and the Diagram container with adjacency lookups.
//
// Diagrams arrive already parsed and validated. Nodes and arrows are
// immutable for the lifetime of an execution.
package diagram

// NodeID uniquely identifies a node within a diagram.
type NodeID string

// NodeType tags a node with the handler family that executes it.
type NodeType string

// Standard node types recognized by the builtin handler registry.
const (
	// NodeTypeStart marks an entry point. Start nodes have no incoming
	// arrows and are always ready.
	NodeTypeStart NodeType = "start"

	// NodeTypePersonJob invokes an LLM persona. PersonJob nodes may carry
	// first-only seed inputs and participate in loops.
	NodeTypePersonJob NodeType = "person_job"

	// NodeTypePersonBatchJob is the batched variant of PersonJob.
	NodeTypePersonBatchJob NodeType = "person_batch_job"

	// NodeTypeCondition evaluates a boolean expression; its outgoing
	// branch-labeled arrows are traversed according to the result.
	NodeTypeCondition NodeType = "condition"

	// NodeTypeDB reads or writes a file-backed data source.
	NodeTypeDB NodeType = "db"

	// NodeTypeJob runs arbitrary transformation logic over its inputs.
	NodeTypeJob NodeType = "job"

	// NodeTypeAPIJob performs an HTTP request against an external service.
	NodeTypeAPIJob NodeType = "api_job"

	// NodeTypeEndpoint terminates the execution when reached.
	NodeTypeEndpoint NodeType = "endpoint"
)

// Node is a single vertex of the workflow graph. The Data map carries the
// node's static configuration; handlers interpret it per node type.
type Node struct {
	ID   NodeID         `json:"id"`
	Type NodeType       `json:"type"`
	Data map[string]any `json:"data,omitempty"`

	// X and Y are authoring-surface coordinates. They are carried through
	// for round-tripping but never consulted during execution.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
}

// IsStart reports whether the node is an entry point.
func (n *Node) IsStart() bool { return n.Type == NodeTypeStart }

// IsCondition reports whether the node routes via boolean branches.
func (n *Node) IsCondition() bool { return n.Type == NodeTypeCondition }

// IsEndpoint reports whether reaching this node terminates the execution.
func (n *Node) IsEndpoint() bool { return n.Type == NodeTypeEndpoint }

// IsPersonJob reports whether the node belongs to the LLM-persona family
// that supports first-only seed inputs.
func (n *Node) IsPersonJob() bool {
	return n.Type == NodeTypePersonJob || n.Type == NodeTypePersonBatchJob
}

// MaxIterations returns the node's loop cap from configuration, or 0 when
// the node does not specify one (the engine then applies its default cap).
func (n *Node) MaxIterations() int {
	return n.DataInt("max_iteration")
}

// ContinueOnError reports whether a handler failure should demote to a
// skip instead of failing the execution.
func (n *Node) ContinueOnError() bool {
	return n.DataBool("continue_on_error")
}

// Skippable reports whether a Condition node may be bypassed without
// blocking downstream targets that have other input sources.
func (n *Node) Skippable() bool {
	return n.DataBool("skippable")
}

// DataString returns a string configuration value, or "" when absent or of
// another type.
func (n *Node) DataString(key string) string {
	if s, ok := n.Data[key].(string); ok {
		return s
	}
	return ""
}

// DataInt returns an integer configuration value. JSON decoding produces
// float64 for numbers, so both forms are accepted.
func (n *Node) DataInt(key string) int {
	switch v := n.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// DataBool returns a boolean configuration value, or false when absent.
func (n *Node) DataBool(key string) bool {
	if b, ok := n.Data[key].(bool); ok {
		return b
	}
	return false
}
