// Package store provides the cache-first execution state store: an
// in-memory primary copy absorbing high-frequency updates, with deferred
// durable persistence, checkpoints, idempotent event application, and a
// warm cache of hot executions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dipeo/dipeo-go/state"
)

// ErrNotFound is returned when a requested execution does not exist in
// either the cache or the persistence layer.
var ErrNotFound = errors.New("not found")

// Transition is the persisted record of one applied domain event. The
// (ExecutionID, Seq) pair is unique; replayed or re-delivered events are
// detected and discarded through that constraint.
type Transition struct {
	ExecutionID string
	NodeID      string
	Phase       string
	Seq         int64
	Payload     []byte
	CreatedAt   time.Time
}

// Filter narrows execution listings. Zero-valued fields match everything.
type Filter struct {
	DiagramID     string
	Status        state.Status
	StartedAfter  time.Time
	StartedBefore time.Time

	// Limit and Offset paginate; Limit 0 means no limit.
	Limit  int
	Offset int
}

// Persistence is the durable system of record beneath the cache.
//
// Implementations: SQLitePersistence (embedded, the default),
// MySQLPersistence (shared server), MemPersistence (tests).
type Persistence interface {
	// SaveState upserts the full execution state in a single statement.
	// When sync is true the write is flushed with enhanced durability
	// before returning (used for critical writes and final checkpoints).
	SaveState(ctx context.Context, st *state.ExecutionState, sync bool) error

	// LoadState reads one execution. Returns ErrNotFound if absent.
	LoadState(ctx context.Context, executionID string) (*state.ExecutionState, error)

	// RecordTransition appends one transition. Returns applied=false when
	// the (execution_id, seq) pair already exists; the caller must then
	// discard the event.
	RecordTransition(ctx context.Context, t Transition) (applied bool, err error)

	// ListExecutions returns executions matching the filter, most recent
	// first.
	ListExecutions(ctx context.Context, f Filter) ([]*state.ExecutionState, error)

	// RecordAccess updates the access bookkeeping columns used for warm
	// cache selection.
	RecordAccess(ctx context.Context, executionID string, accessCount int64, lastAccess time.Time) error

	// TopAccessed returns up to n execution IDs ordered by access count
	// descending, for warm cache recomputation.
	TopAccessed(ctx context.Context, n int) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}

// PersistenceError wraps a failure in the durable layer with enough
// context for the engine to decide whether to continue in memory.
type PersistenceError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *PersistenceError) Error() string {
	return "persistence " + e.Op + " for execution " + e.ExecutionID + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
