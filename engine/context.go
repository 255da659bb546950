package engine

import (
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
)

// ExecContext is the mutable per-execution working set the engine uses to
// resolve arrow inputs: latest node outputs, execution counts, variables,
// errors, and order.
//
// The main loop owns it and drives it sequentially; results from parallel
// dispatch are applied serially, so no internal locking is needed.
type ExecContext struct {
	executionID string
	startTime   time.Time

	outputs   map[diagram.NodeID]*envelope.Envelope
	counts    map[diagram.NodeID]int
	variables map[string]any
	errors    map[diagram.NodeID]string
	order     []diagram.NodeID

	usage        envelope.LLMUsage
	conversation *Conversation
}

// NewExecContext creates a context seeded with the caller's initial
// variables.
func NewExecContext(executionID string, vars map[string]any) *ExecContext {
	variables := make(map[string]any, len(vars))
	for k, v := range vars {
		variables[k] = v
	}
	return &ExecContext{
		executionID:  executionID,
		startTime:    time.Now(),
		outputs:      make(map[diagram.NodeID]*envelope.Envelope),
		counts:       make(map[diagram.NodeID]int),
		variables:    variables,
		errors:       make(map[diagram.NodeID]string),
		conversation: NewConversation(),
	}
}

// ExecutionID returns the execution's identifier.
func (c *ExecContext) ExecutionID() string { return c.executionID }

// SetOutput records a node's latest envelope. Re-executing loop nodes
// overwrite their previous value.
func (c *ExecContext) SetOutput(id diagram.NodeID, env *envelope.Envelope) {
	c.outputs[id] = env
}

// Output returns a node's latest envelope.
func (c *ExecContext) Output(id diagram.NodeID) (*envelope.Envelope, bool) {
	env, ok := c.outputs[id]
	return env, ok
}

// Outputs returns a copy of the full output map.
func (c *ExecContext) Outputs() map[diagram.NodeID]*envelope.Envelope {
	out := make(map[diagram.NodeID]*envelope.Envelope, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// IncrCount increments and returns a node's execution count.
func (c *ExecContext) IncrCount(id diagram.NodeID) int {
	c.counts[id]++
	return c.counts[id]
}

// Count returns how many times a node has run.
func (c *ExecContext) Count(id diagram.NodeID) int { return c.counts[id] }

// Variables returns a snapshot of the variable map.
func (c *ExecContext) Variables() map[string]any {
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// SetVariable binds a value in the execution-scoped variable map.
func (c *ExecContext) SetVariable(name string, value any) {
	c.variables[name] = value
}

// SetError records a node's failure message.
func (c *ExecContext) SetError(id diagram.NodeID, msg string) {
	c.errors[id] = msg
}

// Error returns a node's recorded failure message.
func (c *ExecContext) Error(id diagram.NodeID) string { return c.errors[id] }

// AppendOrder records a node in execution order, once per node.
func (c *ExecContext) AppendOrder(id diagram.NodeID) {
	for _, n := range c.order {
		if n == id {
			return
		}
	}
	c.order = append(c.order, id)
}

// Order returns the nodes in first-completion order.
func (c *ExecContext) Order() []diagram.NodeID {
	out := make([]diagram.NodeID, len(c.order))
	copy(out, c.order)
	return out
}

// AddUsage folds token usage into the cumulative total.
func (c *ExecContext) AddUsage(u *envelope.LLMUsage) {
	c.usage.Add(u)
}

// Usage returns the cumulative LLM token usage.
func (c *ExecContext) Usage() envelope.LLMUsage { return c.usage }

// Conversation returns the shared conversation history.
func (c *ExecContext) Conversation() *Conversation { return c.conversation }

// Elapsed returns time since execution start.
func (c *ExecContext) Elapsed() time.Duration { return time.Since(c.startTime) }

// Summary is a point-in-time snapshot for logging and diagnostics.
type Summary struct {
	ExecutionID   string
	NodesExecuted int
	TotalRuns     int
	Errors        int
	Elapsed       time.Duration
	Usage         envelope.LLMUsage
}

// Summarize produces a snapshot of the context.
func (c *ExecContext) Summarize() Summary {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return Summary{
		ExecutionID:   c.executionID,
		NodesExecuted: len(c.order),
		TotalRuns:     total,
		Errors:        len(c.errors),
		Elapsed:       c.Elapsed(),
		Usage:         c.usage,
	}
}
