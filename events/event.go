// Package events defines the domain events produced by the execution engine
// and the Emitter interface observers implement.
//
// Events for one execution are emitted in strictly increasing sequence
// order; the state store relies on the (execution_id, seq) pair for
// idempotent application. Across executions no ordering is guaranteed.
package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dipeo/dipeo-go/envelope"
)

// Type enumerates the domain event kinds.
type Type string

const (
	ExecutionStarted   Type = "EXECUTION_STARTED"
	ExecutionCompleted Type = "EXECUTION_COMPLETED"
	ExecutionFailed    Type = "EXECUTION_FAILED"
	NodeStarted        Type = "NODE_STARTED"
	NodeCompleted      Type = "NODE_COMPLETED"
	NodeError          Type = "NODE_ERROR"
	NodeSkipped        Type = "NODE_SKIPPED"
)

// Skip reasons carried by NodeSkipped events.
const (
	SkipReasonMaxIterations  = "max_iterations"
	SkipReasonError          = "error"
	SkipReasonBranchNotTaken = "branch_not_taken"
)

// Scope identifies what an event is about: always an execution, optionally
// a node within it.
type Scope struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
}

// Event is a single observation from the engine. The payload fields
// (Status, Output, Usage, Error, Reason) are populated per event type.
type Event struct {
	// ID is a unique event identifier, used by outbox-style consumers.
	ID string `json:"id"`

	Type      Type      `json:"type"`
	Scope     Scope     `json:"scope"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// Status carries the terminal status on execution-level events.
	Status string `json:"status,omitempty"`

	// Output carries the produced envelope on NodeCompleted events.
	Output *envelope.Envelope `json:"output,omitempty"`

	// Usage carries the node's LLM token usage when present.
	Usage *envelope.LLMUsage `json:"usage,omitempty"`

	// Error carries the failure message on NodeError and ExecutionFailed.
	Error string `json:"error,omitempty"`

	// Reason carries the skip reason on NodeSkipped.
	Reason string `json:"reason,omitempty"`

	// Meta carries additional structured data (durations, exec counts).
	Meta map[string]any `json:"meta,omitempty"`
}

// New builds an event with a fresh ID and the current timestamp.
func New(t Type, executionID string, nodeID string, seq int64) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Scope:     Scope{ExecutionID: executionID, NodeID: nodeID},
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal reports whether the event closes out an execution.
func (e Event) IsTerminal() bool {
	return e.Type == ExecutionCompleted || e.Type == ExecutionFailed
}

// Sequencer hands out the monotonic per-execution sequence numbers events
// carry. Safe for concurrent use.
type Sequencer struct {
	n atomic.Int64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() int64 { return s.n.Add(1) }

// Current returns the most recently issued sequence number.
func (s *Sequencer) Current() int64 { return s.n.Load() }
