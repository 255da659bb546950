// Package engine drives workflow execution: it pulls ready nodes from the
// scheduler, dispatches them to registered handlers, feeds outputs back,
// and emits ordered domain events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
	"github.com/dipeo/dipeo-go/events"
	"github.com/dipeo/dipeo-go/llm"
	"github.com/dipeo/dipeo-go/state"
	"github.com/dipeo/dipeo-go/store"
)

// Engine executes resolved diagrams. One engine serves many concurrent
// executions; each runs its own sequential main loop.
type Engine struct {
	handlers *Registry
	emitter  events.Emitter
	store    *store.Store
	log      zerolog.Logger
	metrics  *Metrics
	cost     *llm.CostTracker

	retry               RetryPolicy
	nodeTimeout         time.Duration
	maxConcurrent       int
	defaultIterationCap int
	maxRequeue          int

	mu   sync.Mutex
	runs map[string]*run
}

// run is the cancellation handle of one in-flight execution.
type run struct {
	cancelled atomic.Bool
}

// New creates an engine over a handler registry.
func New(handlers *Registry, opts ...Option) *Engine {
	e := &Engine{
		handlers:            handlers,
		emitter:             events.NewNullEmitter(),
		log:                 zerolog.Nop(),
		cost:                llm.NewCostTracker(nil),
		retry:               DefaultRetryPolicy(),
		maxConcurrent:       1,
		defaultIterationCap: 100,
		maxRequeue:          100,
		runs:                make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one execution.
type Result struct {
	ExecutionID   string
	Status        state.Status
	Outputs       map[diagram.NodeID]*envelope.Envelope
	ExecutedNodes []diagram.NodeID
	Usage         envelope.LLMUsage
	Cost          float64
	Error         string
	Elapsed       time.Duration
}

// Cancel requests cancellation of a running execution. The main loop
// observes it at the next boundary: in-flight handlers complete and their
// outputs apply, but nothing further dispatches. Returns false when the
// execution is not running.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[executionID]
	if !ok {
		return false
	}
	r.cancelled.Store(true)
	return true
}

// CostTracker returns the engine's cumulative cost tracker.
func (e *Engine) CostTracker() *llm.CostTracker { return e.cost }

// execution bundles the per-run state of one Execute call.
type execution struct {
	e    *Engine
	d    *diagram.Diagram
	id   string
	cctx *ExecContext
	sch  *Scheduler
	seq  events.Sequencer
	r    *run

	status state.Status
	errMsg string
	cost   float64
}

// Execute runs the diagram to completion. An empty executionID gets a
// generated one. Initial variables seed the execution-scoped variable
// map.
//
// Execute returns an error only for setup problems (duplicate execution
// ID); runtime failures are reported through Result.Status and
// Result.Error, mirroring the event stream.
func (e *Engine) Execute(ctx context.Context, d *diagram.Diagram, executionID string, vars map[string]any) (*Result, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}

	r := &run{}
	e.mu.Lock()
	if _, dup := e.runs[executionID]; dup {
		e.mu.Unlock()
		return nil, &EngineError{Code: CodeDuplicateExecution, Message: "execution " + executionID + " is already running"}
	}
	e.runs[executionID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, executionID)
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	if e.store != nil {
		if _, err := e.store.CreateExecution(ctx, executionID, d.ID()); err != nil {
			// Durability is degraded, not fatal; the execution proceeds
			// in memory.
			e.log.Warn().Err(err).Str("execution_id", executionID).Msg("execution row creation failed")
		}
	}

	x := &execution{
		e:      e,
		d:      d,
		id:     executionID,
		cctx:   NewExecContext(executionID, vars),
		r:      r,
		status: state.StatusRunning,
	}
	tracker := NewDepTracker(d)
	x.sch = NewScheduler(d, tracker, x.cctx, e.defaultIterationCap, e.maxRequeue, x.notifySkip)

	x.emit(events.New(events.ExecutionStarted, executionID, "", 0))
	x.run(ctx)

	if x.status == state.StatusRunning {
		x.status = state.StatusCompleted
	}
	final := events.New(events.ExecutionCompleted, executionID, "", 0)
	final.Status = string(x.status)
	final.Error = x.errMsg
	x.emit(final)

	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(string(x.status)).Inc()
	}
	summary := x.cctx.Summarize()
	e.log.Info().
		Str("execution_id", executionID).
		Str("status", string(x.status)).
		Int("nodes", summary.NodesExecuted).
		Int("runs", summary.TotalRuns).
		Dur("elapsed", summary.Elapsed).
		Msg("execution finished")

	return &Result{
		ExecutionID:   executionID,
		Status:        x.status,
		Outputs:       x.cctx.Outputs(),
		ExecutedNodes: x.cctx.Order(),
		Usage:         x.cctx.Usage(),
		Cost:          x.cost,
		Error:         x.errMsg,
		Elapsed:       x.cctx.Elapsed(),
	}, nil
}

// run drives the main loop until the ready queue drains, an endpoint is
// reached, the execution fails, or cancellation is observed.
func (x *execution) run(ctx context.Context) {
	x.sch.Seed()

	for {
		if ctx.Err() != nil || x.r.cancelled.Load() {
			x.status = state.StatusAborted
			return
		}

		id, ok, err := x.sch.Next()
		if err != nil {
			if errors.Is(err, errNoneReady) {
				// Waiting candidates are bounded by the requeue cap;
				// either something unblocks or starvation surfaces.
				continue
			}
			x.fail(err.Error())
			return
		}
		if !ok {
			return
		}

		batch, err := x.collectBatch(id)
		if err != nil {
			x.fail(err.Error())
			return
		}
		dispatches := make([]*dispatch, 0, len(batch))
		for _, nid := range batch {
			dispatches = append(dispatches, x.prepare(nid))
		}

		x.invoke(ctx, dispatches)

		for _, dsp := range dispatches {
			if stop := x.apply(dsp); stop {
				return
			}
		}
	}
}

// collectBatch gathers additional ready nodes up to the concurrency
// limit. A starvation error raised while filling the batch is fatal and
// must reach the caller; errNoneReady just stops collecting.
func (x *execution) collectBatch(first diagram.NodeID) ([]diagram.NodeID, error) {
	batch := []diagram.NodeID{first}
	for len(batch) < x.e.maxConcurrent {
		id, ok, err := x.sch.Next()
		if err != nil {
			if errors.Is(err, errNoneReady) {
				break
			}
			return nil, err
		}
		if !ok {
			break
		}
		batch = append(batch, id)
	}
	return batch, nil
}

// dispatch carries one node run from preparation through application.
type dispatch struct {
	node    *diagram.Node
	handler Handler
	inputs  map[string]any
	hctx    *HandlerContext
	env     *envelope.Envelope
	err     error
	elapsed time.Duration
}

// prepare emits NODE_STARTED, resolves inputs, and looks up the handler.
// Preparation runs serially on the main loop even for parallel batches.
func (x *execution) prepare(id diagram.NodeID) *dispatch {
	node := x.d.Node(id)
	count := x.cctx.IncrCount(id)

	started := events.New(events.NodeStarted, x.id, string(id), 0)
	started.Meta = map[string]any{"exec_count": count}
	x.emit(started)

	dsp := &dispatch{node: node}
	dsp.inputs, dsp.err = resolveInputs(x.d, x.sch, x.cctx, node)
	if node.IsPersonJob() && !x.sch.FirstOnlyConsumed(id) {
		for _, a := range x.d.Incoming(id) {
			if a.IsFirstOnly() {
				x.sch.ConsumeFirstOnly(id)
				break
			}
		}
	}
	if dsp.err != nil {
		return dsp
	}

	dsp.handler = x.e.handlers.Lookup(node.Type)
	if dsp.handler == nil {
		dsp.err = &HandlerError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("no handler registered for node type %q", node.Type),
		}
		return dsp
	}

	dsp.hctx = &HandlerContext{
		ExecutionID:  x.id,
		Variables:    x.cctx.Variables(),
		Usage:        x.cctx.Usage(),
		Conversation: x.cctx.Conversation(),
		ExecCount:    count,
	}
	return dsp
}

// invoke runs the prepared dispatches, concurrently when the batch allows.
func (x *execution) invoke(ctx context.Context, dispatches []*dispatch) {
	runOne := func(dsp *dispatch) {
		if dsp.err != nil {
			return
		}
		start := time.Now()
		dsp.env, dsp.err = x.e.invokeHandler(ctx, dsp.handler, dsp.node, dsp.inputs, dsp.hctx)
		dsp.elapsed = time.Since(start)
		if x.e.metrics != nil {
			x.e.metrics.NodeDuration.WithLabelValues(string(dsp.node.Type)).Observe(dsp.elapsed.Seconds())
		}
	}

	if len(dispatches) == 1 {
		runOne(dispatches[0])
		return
	}
	var wg sync.WaitGroup
	for _, dsp := range dispatches {
		wg.Add(1)
		go func(dsp *dispatch) {
			defer wg.Done()
			runOne(dsp)
		}(dsp)
	}
	wg.Wait()
}

// apply folds one dispatch result back into the context and scheduler.
// Returns true when the execution should stop.
func (x *execution) apply(dsp *dispatch) bool {
	id := dsp.node.ID

	if dsp.err != nil {
		return x.applyFailure(dsp)
	}
	env := dsp.env
	if env == nil {
		env = envelope.NewText(string(id), "")
	}

	x.cctx.SetOutput(id, env)
	x.cctx.AppendOrder(id)
	usage := env.Usage()
	x.cctx.AddUsage(usage)
	if model, ok := env.Meta["model"].(string); ok {
		x.cost += x.e.cost.Add(model, usage)
	}

	if dsp.node.IsCondition() {
		val, _ := env.AsBool()
		x.sch.RecordCondition(id, val)
	}

	completed := events.New(events.NodeCompleted, x.id, string(id), 0)
	completed.Output = env
	completed.Usage = usage
	completed.Meta = map[string]any{"duration_ms": dsp.elapsed.Milliseconds()}
	x.emit(completed)
	if x.e.metrics != nil {
		x.e.metrics.Nodes.WithLabelValues(string(dsp.node.Type), "completed").Inc()
	}

	x.sch.Complete(id)

	if dsp.node.IsEndpoint() {
		x.status = state.StatusCompleted
		return true
	}
	return false
}

// applyFailure handles a node failure: continue_on_error demotes it to a
// skip, otherwise the execution fails fast.
func (x *execution) applyFailure(dsp *dispatch) bool {
	id := dsp.node.ID
	kind := KindOf(dsp.err)
	msg := fmt.Sprintf("node %s [%s]: %v", id, kind, dsp.err)
	x.cctx.SetError(id, msg)

	nodeErr := events.New(events.NodeError, x.id, string(id), 0)
	nodeErr.Error = msg
	x.emit(nodeErr)
	if x.e.metrics != nil {
		x.e.metrics.Nodes.WithLabelValues(string(dsp.node.Type), "error").Inc()
	}

	if dsp.node.ContinueOnError() {
		x.sch.markSkipped(id, events.SkipReasonError)
		return false
	}

	x.fail(msg)
	return true
}

// fail moves the execution to Failed and emits EXECUTION_FAILED.
func (x *execution) fail(msg string) {
	x.status = state.StatusFailed
	x.errMsg = msg

	failed := events.New(events.ExecutionFailed, x.id, "", 0)
	failed.Error = msg
	x.emit(failed)
}

// notifySkip is the scheduler's skip callback: one NODE_SKIPPED per
// permanently skipped node.
func (x *execution) notifySkip(id diagram.NodeID, reason string) {
	ev := events.New(events.NodeSkipped, x.id, string(id), 0)
	ev.Reason = reason
	x.emit(ev)
	if x.e.metrics != nil {
		x.e.metrics.Skips.WithLabelValues(reason).Inc()
	}
}

// emit assigns the next sequence number and delivers the event: first to
// the state store (synchronously, preserving order), then to observers.
func (x *execution) emit(ev events.Event) {
	ev.Seq = x.seq.Next()

	if x.e.store != nil {
		if err := x.e.store.HandleEvent(context.Background(), ev); err != nil {
			// Critical-write failures degrade durability, not execution.
			x.e.log.Warn().Err(err).
				Str("execution_id", x.id).
				Str("event", string(ev.Type)).
				Msg("state store rejected event")
		}
	}
	x.e.emitter.Emit(ev)
}
