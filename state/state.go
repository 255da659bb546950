// Package state defines the durable ExecutionState record and the event
// application rules that reconstruct it.
//
// The state store exclusively owns ExecutionState mutation; the engine
// reads and writes through the store's API. Replaying an execution's event
// stream in sequence order through Apply reconstructs the same state.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dipeo/dipeo-go/envelope"
	"github.com/dipeo/dipeo-go/events"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// IsTerminal reports whether the execution has finished and will not
// transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// IsActive reports whether the execution may still make progress.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

// NodeStatus is the per-node state machine:
// Pending → Ready → Running → {Completed, Failed, Skipped}.
// Only Completed and Skipped unblock dependents.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeReady     NodeStatus = "READY"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// NodeState is the persisted per-node execution record.
type NodeState struct {
	Status     NodeStatus         `json:"status"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Error      string             `json:"error,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
	LLMUsage   *envelope.LLMUsage `json:"llm_usage,omitempty"`
}

// ExecutionState is the record the state store persists.
type ExecutionState struct {
	ExecutionID string     `json:"execution_id"`
	DiagramID   string     `json:"diagram_id,omitempty"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// NodeStates and NodeOutputs are keyed by node ID. Outputs hold the
	// latest value only: a re-executing loop node overwrites its entry.
	NodeStates  map[string]*NodeState         `json:"node_states"`
	NodeOutputs map[string]*envelope.Envelope `json:"node_outputs"`

	// ExecCounts records how many times each node has run; ExecutedNodes
	// lists node IDs in first-completion order without loop duplicates.
	ExecCounts    map[string]int `json:"exec_counts"`
	ExecutedNodes []string       `json:"executed_nodes"`

	Variables map[string]any    `json:"variables,omitempty"`
	LLMUsage  envelope.LLMUsage `json:"llm_usage"`
	Error     string            `json:"error,omitempty"`

	// LastSeq is the highest event sequence number applied to this state.
	LastSeq int64 `json:"last_seq"`
}

// New creates a pending ExecutionState.
func New(executionID, diagramID string) *ExecutionState {
	return &ExecutionState{
		ExecutionID:   executionID,
		DiagramID:     diagramID,
		Status:        StatusPending,
		NodeStates:    make(map[string]*NodeState),
		NodeOutputs:   make(map[string]*envelope.Envelope),
		ExecCounts:    make(map[string]int),
		ExecutedNodes: make([]string, 0),
		Variables:     make(map[string]any),
	}
}

// nodeState returns the node's record, allocating it on first touch.
func (s *ExecutionState) nodeState(nodeID string) *NodeState {
	ns, ok := s.NodeStates[nodeID]
	if !ok {
		ns = &NodeState{Status: NodePending}
		s.NodeStates[nodeID] = ns
	}
	return ns
}

// appendExecuted records a node in execution order exactly once.
func (s *ExecutionState) appendExecuted(nodeID string) {
	for _, id := range s.ExecutedNodes {
		if id == nodeID {
			return
		}
	}
	s.ExecutedNodes = append(s.ExecutedNodes, nodeID)
}

// Apply folds one domain event into the state. Callers are responsible for
// sequence-order delivery and duplicate suppression; Apply itself assumes
// the event is new and in order, and updates LastSeq.
func Apply(s *ExecutionState, ev events.Event) {
	ts := ev.Timestamp
	nodeID := ev.Scope.NodeID

	switch ev.Type {
	case events.ExecutionStarted:
		s.Status = StatusRunning
		s.StartedAt = ts

	case events.NodeStarted:
		ns := s.nodeState(nodeID)
		ns.Status = NodeRunning
		ns.StartedAt = &ts
		ns.EndedAt = nil
		s.ExecCounts[nodeID]++

	case events.NodeCompleted:
		ns := s.nodeState(nodeID)
		ns.Status = NodeCompleted
		ns.EndedAt = &ts
		if ev.Usage != nil {
			ns.LLMUsage = ev.Usage.Clone()
			s.LLMUsage.Add(ev.Usage)
		}
		if ev.Output != nil {
			s.NodeOutputs[nodeID] = ev.Output
		}
		s.appendExecuted(nodeID)

	case events.NodeError:
		ns := s.nodeState(nodeID)
		ns.Status = NodeFailed
		ns.EndedAt = &ts
		ns.Error = ev.Error

	case events.NodeSkipped:
		ns := s.nodeState(nodeID)
		ns.Status = NodeSkipped
		ns.EndedAt = &ts
		ns.SkipReason = ev.Reason

	case events.ExecutionCompleted:
		status := Status(ev.Status)
		if status == "" {
			status = StatusCompleted
		}
		s.Status = status
		s.EndedAt = &ts
		if ev.Error != "" {
			s.Error = ev.Error
		}

	case events.ExecutionFailed:
		s.Status = StatusFailed
		s.EndedAt = &ts
		s.Error = ev.Error
	}

	if ev.Seq > s.LastSeq {
		s.LastSeq = ev.Seq
	}
}

// CanonicalBytes returns the canonical JSON serialization of the state.
// encoding/json emits map keys in sorted order and struct fields in
// declaration order, so persist → load → persist is a byte-level fixed
// point.
func (s *ExecutionState) CanonicalBytes() ([]byte, error) {
	return json.Marshal(s)
}

// Hash returns the blake3 digest of the canonical serialization, used for
// checkpoint idempotency keys and replay verification.
func (s *ExecutionState) Hash() (string, error) {
	data, err := s.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("blake3:%x", sum), nil
}

// Clone returns a deep copy via JSON round-trip. The state must remain
// JSON-serializable (it is persisted that way).
func (s *ExecutionState) Clone() (*ExecutionState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var out ExecutionState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &out, nil
}
