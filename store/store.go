package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/events"
	"github.com/dipeo/dipeo-go/state"
)

// Config tunes the cache-first store. Zero numeric fields fall back to the
// defaults below; booleans are taken as given.
type Config struct {
	// CacheSize is the soft cap on cached executions. When exceeded, the
	// sweep evicts roughly 10% of capacity, lowest (access_count,
	// last_access) first, never touching warm entries.
	CacheSize int

	// WarmCacheSize is how many of the most-accessed executions stay
	// resident regardless of eviction pressure.
	WarmCacheSize int

	// CheckpointInterval checkpoints an execution every N node
	// completions.
	CheckpointInterval int

	// PersistenceDelay is how long a dirty entry may sit before the soft
	// flush persists it, and the flush ticker period.
	PersistenceDelay time.Duration

	// WriteThroughCritical persists node and execution completions
	// synchronously instead of waiting for a checkpoint.
	WriteThroughCritical bool

	// FinalizeGrace keeps a finished execution cached for late readers
	// before the entry is dropped.
	FinalizeGrace time.Duration

	// SweepInterval and WarmInterval are the cadence of the eviction
	// sweep and warm-set recomputation.
	SweepInterval time.Duration
	WarmInterval  time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		CacheSize:            1000,
		WarmCacheSize:        20,
		CheckpointInterval:   10,
		PersistenceDelay:     5 * time.Second,
		WriteThroughCritical: true,
		FinalizeGrace:        time.Minute,
		SweepInterval:        30 * time.Second,
		WarmInterval:         5 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.WarmCacheSize <= 0 {
		c.WarmCacheSize = d.WarmCacheSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.PersistenceDelay <= 0 {
		c.PersistenceDelay = d.PersistenceDelay
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = d.FinalizeGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.WarmInterval <= 0 {
		c.WarmInterval = d.WarmInterval
	}
}

// entry is one cached execution. The entry mutex guards the state and the
// bookkeeping fields; the store mutex guards the entries map itself.
type entry struct {
	mu sync.Mutex

	state     *state.ExecutionState
	dirty     bool
	persisted bool
	warm      bool
	finalized bool
	removeAt  time.Time

	lastAccess  time.Time
	lastWrite   time.Time
	accessCount int64
	completions int
	checkpoints int
}

// Store is the cache-first execution state store. The in-memory copy is
// the primary: reads and event application hit the cache, and a background
// worker persists dirty entries on checkpoints, a soft-flush timer, and
// eviction.
//
// Store implements events.Emitter, so it can sit directly on the engine's
// event fan-out.
type Store struct {
	cfg     Config
	db      Persistence
	log     zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*entry

	checkpointCh chan checkpointRequest
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

type checkpointRequest struct {
	executionID string
	final       bool
}

// Option configures a Store.
type Option func(*Store)

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(s *Store) { s.cfg = cfg }
}

// WithLogger sets the store's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store over the given persistence backend and starts
// its background worker. Call Close to flush and stop it.
func NewStore(db Persistence, opts ...Option) *Store {
	s := &Store{
		cfg:          DefaultConfig(),
		db:           db,
		log:          zerolog.Nop(),
		entries:      make(map[string]*entry),
		checkpointCh: make(chan checkpointRequest, 256),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.normalize()

	s.wg.Add(1)
	go s.worker()
	return s
}

// CreateExecution registers a new pending execution in the cache and
// writes its initial row so transitions and listings can see it
// immediately.
func (s *Store) CreateExecution(ctx context.Context, executionID, diagramID string) (*state.ExecutionState, error) {
	st := state.New(executionID, diagramID)
	st.StartedAt = time.Now()

	e := &entry{
		state:      st,
		dirty:      false,
		lastAccess: time.Now(),
		lastWrite:  time.Now(),
	}

	s.mu.Lock()
	s.entries[executionID] = e
	size := len(s.entries)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(size))
	}

	if err := s.db.SaveState(ctx, st, false); err != nil {
		return nil, &PersistenceError{Op: "create", ExecutionID: executionID, Err: err}
	}
	e.mu.Lock()
	e.persisted = true
	e.mu.Unlock()

	return st.Clone()
}

// lookup returns the cached entry, or nil.
func (s *Store) lookup(executionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[executionID]
}

// hydrate loads an execution from the durable layer into the cache. The
// existing entry wins if another goroutine hydrated first.
func (s *Store) hydrate(ctx context.Context, executionID string) (*entry, error) {
	st, err := s.db.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[executionID]; ok {
		return e, nil
	}
	e := &entry{
		state:      st,
		persisted:  true,
		lastAccess: time.Now(),
		lastWrite:  time.Now(),
	}
	s.entries[executionID] = e
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(len(s.entries)))
	}
	return e, nil
}

// Emit implements events.Emitter. Errors are logged; the event stream
// must not stall on persistence trouble.
func (s *Store) Emit(event events.Event) {
	if err := s.HandleEvent(context.Background(), event); err != nil {
		s.log.Error().Err(err).
			Str("execution_id", event.Scope.ExecutionID).
			Str("event", string(event.Type)).
			Int64("seq", event.Seq).
			Msg("store event application failed")
	}
}

// HandleEvent applies one domain event: the transition is recorded
// durably (the unique (execution_id, seq) constraint discards replays),
// the cached state is folded forward, and checkpoint triggers fire.
//
// Events for executions absent from the cache are dropped, except
// EXECUTION_COMPLETED, which hydrates the state first so a terminal status
// is never lost.
func (s *Store) HandleEvent(ctx context.Context, event events.Event) error {
	executionID := event.Scope.ExecutionID

	e := s.lookup(executionID)
	if e == nil {
		if event.Type != events.ExecutionCompleted {
			if s.metrics != nil {
				s.metrics.EventsDropped.Inc()
			}
			s.log.Debug().
				Str("execution_id", executionID).
				Str("event", string(event.Type)).
				Msg("dropping event for unknown execution")
			return nil
		}
		var err error
		if e, err = s.hydrate(ctx, executionID); err != nil {
			if err == ErrNotFound {
				if s.metrics != nil {
					s.metrics.EventsDropped.Inc()
				}
				s.log.Warn().
					Str("execution_id", executionID).
					Msg("completion event for execution with no durable state")
				return nil
			}
			return &PersistenceError{Op: "hydrate", ExecutionID: executionID, Err: err}
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	applied, err := s.db.RecordTransition(ctx, Transition{
		ExecutionID: executionID,
		NodeID:      event.Scope.NodeID,
		Phase:       string(event.Type),
		Seq:         event.Seq,
		Payload:     payload,
		CreatedAt:   event.Timestamp,
	})
	if err != nil {
		return &PersistenceError{Op: "transition", ExecutionID: executionID, Err: err}
	}
	if !applied {
		if s.metrics != nil {
			s.metrics.DuplicateEvents.Inc()
		}
		return nil
	}

	e.mu.Lock()
	if event.Seq <= e.state.LastSeq && event.Seq > 0 {
		e.mu.Unlock()
		if s.metrics != nil {
			s.metrics.DuplicateEvents.Inc()
		}
		return nil
	}

	state.Apply(e.state, event)
	e.dirty = true
	e.lastWrite = time.Now()

	critical := false
	switch event.Type {
	case events.NodeCompleted:
		e.completions++
		critical = true
		if !s.cfg.WriteThroughCritical && e.completions%s.cfg.CheckpointInterval == 0 {
			s.requestCheckpoint(executionID, false)
		}
	case events.ExecutionCompleted, events.ExecutionFailed:
		critical = true
		e.finalized = true
		e.removeAt = time.Now().Add(s.cfg.FinalizeGrace)
	}

	if critical && s.cfg.WriteThroughCritical {
		err := s.persistLocked(ctx, executionID, e, true)
		e.mu.Unlock()
		if err != nil {
			return &PersistenceError{Op: "write-through", ExecutionID: executionID, Err: err}
		}
		return nil
	}
	if e.finalized {
		e.mu.Unlock()
		s.requestCheckpoint(executionID, true)
		return nil
	}
	e.mu.Unlock()
	return nil
}

// requestCheckpoint enqueues without blocking; a full queue falls back to
// the soft flush.
func (s *Store) requestCheckpoint(executionID string, final bool) {
	select {
	case s.checkpointCh <- checkpointRequest{executionID: executionID, final: final}:
	default:
		s.log.Warn().Str("execution_id", executionID).Msg("checkpoint queue full")
	}
}

// persistLocked writes the entry's state. Caller holds e.mu.
func (s *Store) persistLocked(ctx context.Context, executionID string, e *entry, sync bool) error {
	if err := s.db.SaveState(ctx, e.state, sync); err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.Inc()
		}
		return err
	}
	e.dirty = false
	e.persisted = true
	e.checkpoints++
	if s.metrics != nil {
		s.metrics.Checkpoints.Inc()
	}
	return nil
}

// GetState returns a copy of the execution's state, hydrating from the
// durable layer on a cache miss.
func (s *Store) GetState(ctx context.Context, executionID string) (*state.ExecutionState, error) {
	e := s.lookup(executionID)
	if e == nil {
		var err error
		if e, err = s.hydrate(ctx, executionID); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.accessCount++
	e.lastAccess = time.Now()
	count, last := e.accessCount, e.lastAccess
	clone, err := e.state.Clone()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Access bookkeeping is best-effort; warm selection tolerates lag.
	if err := s.db.RecordAccess(ctx, executionID, count, last); err != nil {
		s.log.Debug().Err(err).Str("execution_id", executionID).Msg("record access")
	}
	return clone, nil
}

// UpdateVariables merges values into the execution's variable map.
func (s *Store) UpdateVariables(ctx context.Context, executionID string, vars map[string]any) error {
	e := s.lookup(executionID)
	if e == nil {
		var err error
		if e, err = s.hydrate(ctx, executionID); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Variables == nil {
		e.state.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		e.state.Variables[k] = v
	}
	e.dirty = true
	e.lastWrite = time.Now()
	return nil
}

// List returns executions matching the filter from the durable layer,
// overlaid with fresher cached copies where they exist.
func (s *Store) List(ctx context.Context, f Filter) ([]*state.ExecutionState, error) {
	listed, err := s.db.ListExecutions(ctx, f)
	if err != nil {
		return nil, err
	}

	for i, st := range listed {
		e := s.lookup(st.ExecutionID)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.state.LastSeq > st.LastSeq {
			if clone, err := e.state.Clone(); err == nil {
				listed[i] = clone
			}
		}
		e.mu.Unlock()
	}
	return listed, nil
}

// Flush persists every dirty entry synchronously.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		e := s.lookup(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.dirty {
			if err := s.persistLocked(ctx, id, e, true); err != nil && firstErr == nil {
				firstErr = &PersistenceError{Op: "flush", ExecutionID: id, Err: err}
			}
		}
		e.mu.Unlock()
	}
	return firstErr
}

// Close flushes dirty entries, stops the background worker, and closes
// the persistence backend.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	err := s.Flush(context.Background())
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// worker runs checkpoints, the soft flush, the eviction sweep, and warm
// set recomputation on one goroutine.
func (s *Store) worker() {
	defer s.wg.Done()

	flush := time.NewTicker(s.cfg.PersistenceDelay)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	warm := time.NewTicker(s.cfg.WarmInterval)
	defer flush.Stop()
	defer sweep.Stop()
	defer warm.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.checkpointCh:
			s.checkpoint(req)
		case <-flush.C:
			s.softFlush()
		case <-sweep.C:
			s.sweep()
		case <-warm.C:
			s.recomputeWarm()
		}
	}
}

func (s *Store) checkpoint(req checkpointRequest) {
	e := s.lookup(req.executionID)
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return
	}
	if err := s.persistLocked(ctx, req.executionID, e, req.final); err != nil {
		s.log.Error().Err(err).
			Str("execution_id", req.executionID).
			Bool("final", req.final).
			Msg("checkpoint failed")
	}
}

// softFlush persists entries dirty for longer than PersistenceDelay and
// drops finalized entries past their grace period.
func (s *Store) softFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()
	cutoff := now.Add(-s.cfg.PersistenceDelay)

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		e := s.lookup(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.dirty && e.lastWrite.Before(cutoff) {
			if err := s.persistLocked(ctx, id, e, false); err != nil {
				s.log.Error().Err(err).Str("execution_id", id).Msg("soft flush failed")
			}
		}
		expired := e.finalized && !e.dirty && !e.warm && now.After(e.removeAt)
		e.mu.Unlock()

		if expired {
			s.remove(id)
		}
	}
}

func (s *Store) remove(executionID string) {
	s.mu.Lock()
	delete(s.entries, executionID)
	size := len(s.entries)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(size))
	}
}

// sweep evicts roughly 10% of capacity when the cache exceeds CacheSize,
// lowest (access_count, last_access) first. Dirty candidates are persisted
// before eviction and kept if that fails.
func (s *Store) sweep() {
	s.mu.Lock()
	over := len(s.entries) > s.cfg.CacheSize
	type candidate struct {
		id    string
		e     *entry
		count int64
		last  time.Time
	}
	var candidates []candidate
	if over {
		for id, e := range s.entries {
			e.mu.Lock()
			if !e.warm {
				candidates = append(candidates, candidate{id, e, e.accessCount, e.lastAccess})
			}
			e.mu.Unlock()
		}
	}
	s.mu.Unlock()
	if !over {
		return
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j-1], candidates[j]
			if a.count < b.count || (a.count == b.count && a.last.Before(b.last)) {
				break
			}
			candidates[j-1], candidates[j] = b, a
		}
	}

	target := s.cfg.CacheSize / 10
	if target < 1 {
		target = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evicted := 0
	for _, c := range candidates {
		if evicted >= target {
			break
		}
		c.e.mu.Lock()
		if c.e.dirty {
			if err := s.persistLocked(ctx, c.id, c.e, false); err != nil {
				s.log.Error().Err(err).Str("execution_id", c.id).Msg("eviction persist failed")
				c.e.mu.Unlock()
				continue
			}
		}
		c.e.mu.Unlock()

		s.remove(c.id)
		evicted++
		if s.metrics != nil {
			s.metrics.Evictions.Inc()
		}
	}
}

// recomputeWarm marks the most-accessed executions warm and hydrates any
// that were evicted, so hot executions stay resident.
func (s *Store) recomputeWarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := s.db.TopAccessed(ctx, s.cfg.WarmCacheSize)
	if err != nil {
		s.log.Error().Err(err).Msg("warm set query failed")
		return
	}
	warmSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		warmSet[id] = true
	}

	s.mu.Lock()
	for id, e := range s.entries {
		e.mu.Lock()
		e.warm = warmSet[id]
		e.mu.Unlock()
		delete(warmSet, id)
	}
	s.mu.Unlock()

	for id := range warmSet {
		e, err := s.hydrate(ctx, id)
		if err != nil {
			s.log.Debug().Err(err).Str("execution_id", id).Msg("warm hydrate failed")
			continue
		}
		e.mu.Lock()
		e.warm = true
		e.mu.Unlock()
	}
}

// CacheLen reports the current number of cached executions.
func (s *Store) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
