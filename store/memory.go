package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo-go/state"
)

// MemPersistence is an in-memory Persistence used in tests and throwaway
// runs. It honors the same contracts as the SQL backends, including
// duplicate transition detection, and supports fault injection.
type MemPersistence struct {
	mu          sync.Mutex
	states      map[string]*state.ExecutionState
	transitions map[string]map[int64]Transition
	access      map[string]accessRecord
	saves       int
	syncSaves   int

	failN   int
	failErr error
	closed  bool
}

type accessRecord struct {
	count int64
	last  time.Time
}

// NewMemPersistence creates an empty in-memory backend.
func NewMemPersistence() *MemPersistence {
	return &MemPersistence{
		states:      make(map[string]*state.ExecutionState),
		transitions: make(map[string]map[int64]Transition),
		access:      make(map[string]accessRecord),
	}
}

// InjectFailure makes the next n SaveState calls return err, simulating a
// transient database outage.
func (p *MemPersistence) InjectFailure(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failN = n
	p.failErr = err
}

// takeFailure must be called with the mutex held.
func (p *MemPersistence) takeFailure() error {
	if p.failN > 0 {
		p.failN--
		return p.failErr
	}
	return nil
}

// SaveCount returns how many SaveState calls succeeded, and how many of
// those requested synchronous durability.
func (p *MemPersistence) SaveCount() (total, sync int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves, p.syncSaves
}

func (p *MemPersistence) SaveState(_ context.Context, st *state.ExecutionState, sync bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("persistence closed")
	}
	if err := p.takeFailure(); err != nil {
		return err
	}

	clone, err := st.Clone()
	if err != nil {
		return err
	}
	p.states[st.ExecutionID] = clone
	p.saves++
	if sync {
		p.syncSaves++
	}
	return nil
}

func (p *MemPersistence) LoadState(_ context.Context, executionID string) (*state.ExecutionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	st, ok := p.states[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone()
}

func (p *MemPersistence) RecordTransition(_ context.Context, t Transition) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, errors.New("persistence closed")
	}

	seqs, ok := p.transitions[t.ExecutionID]
	if !ok {
		seqs = make(map[int64]Transition)
		p.transitions[t.ExecutionID] = seqs
	}
	if _, dup := seqs[t.Seq]; dup {
		return false, nil
	}
	seqs[t.Seq] = t
	return true, nil
}

// Transitions returns the recorded transitions for an execution in
// sequence order.
func (p *MemPersistence) Transitions(executionID string) []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Transition, 0, len(p.transitions[executionID]))
	for _, t := range p.transitions[executionID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (p *MemPersistence) ListExecutions(_ context.Context, f Filter) ([]*state.ExecutionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	var matched []*state.ExecutionState
	for _, st := range p.states {
		if f.DiagramID != "" && st.DiagramID != f.DiagramID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if !f.StartedAfter.IsZero() && st.StartedAt.Before(f.StartedAfter) {
			continue
		}
		if !f.StartedBefore.IsZero() && !st.StartedAt.Before(f.StartedBefore) {
			continue
		}
		clone, err := st.Clone()
		if err != nil {
			return nil, err
		}
		matched = append(matched, clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (p *MemPersistence) RecordAccess(_ context.Context, executionID string, accessCount int64, lastAccess time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("persistence closed")
	}
	p.access[executionID] = accessRecord{count: accessCount, last: lastAccess}
	return nil
}

func (p *MemPersistence) TopAccessed(_ context.Context, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	type pair struct {
		id  string
		rec accessRecord
	}
	pairs := make([]pair, 0, len(p.access))
	for id, rec := range p.access {
		pairs = append(pairs, pair{id, rec})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].rec.count != pairs[j].rec.count {
			return pairs[i].rec.count > pairs[j].rec.count
		}
		return pairs[i].rec.last.After(pairs[j].rec.last)
	})

	if n > len(pairs) {
		n = len(pairs)
	}
	ids := make([]string, 0, n)
	for _, pr := range pairs[:n] {
		ids = append(ids, pr.id)
	}
	return ids, nil
}

func (p *MemPersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
