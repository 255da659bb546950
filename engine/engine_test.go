package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
	"github.com/dipeo/dipeo-go/events"
	"github.com/dipeo/dipeo-go/state"
	"github.com/dipeo/dipeo-go/store"
)

func endpointNode(id string) *diagram.Node {
	return &diagram.Node{ID: diagram.NodeID(id), Type: diagram.NodeTypeEndpoint}
}

func personNode(id string, data map[string]any) *diagram.Node {
	return &diagram.Node{ID: diagram.NodeID(id), Type: diagram.NodeTypePersonJob, Data: data}
}

// echo returns the single input bound under the lexicographically first
// name, or nil when the node has no inputs.
func echo(_ context.Context, n *diagram.Node, inputs map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	if len(names) == 0 {
		return envelope.NewJSON(string(n.ID), nil), nil
	}
	sort.Strings(names)
	return envelope.NewJSON(string(n.ID), inputs[names[0]]), nil
}

// testRegistry wires minimal handlers: start emits the variables, job and
// endpoint echo their input, condition evaluates x > 0.
func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(diagram.NodeTypeStart, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
		return envelope.NewJSON(string(n.ID), hctx.Variables), nil
	}))
	r.Register(diagram.NodeTypeJob, HandlerFunc(echo))
	r.Register(diagram.NodeTypeEndpoint, HandlerFunc(echo))
	r.Register(diagram.NodeTypeCondition, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
		x, _ := hctx.Variables["x"].(int)
		return envelope.NewBool(string(n.ID), x > 0), nil
	}))
	return r
}

// conditionDiagram is the branch/join graph: A → B(cond), B --true--> C,
// B --false--> D, C and D join at endpoint E.
func conditionDiagram(t *testing.T) *diagram.Diagram {
	return mustDiagram(t,
		[]*diagram.Node{startNode("A"), condNode("B", nil), jobNode("C"), jobNode("D"), endpointNode("E")},
		[]*diagram.Arrow{
			arrow("1", "A", "B"),
			branchArrow("2", "B", "C", diagram.BranchTrue),
			branchArrow("3", "B", "D", diagram.BranchFalse),
			arrow("4", "C", "E"),
			arrow("5", "D", "E"),
		},
	)
}

func TestExecuteLinear(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B"), endpointNode("C")},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "B", "C")},
	)
	buf := events.NewBufferedEmitter()
	e := New(testRegistry(), WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-linear", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, []diagram.NodeID{"A", "B", "C"}, res.ExecutedNodes)
	require.Equal(t, res.Outputs["A"].Body, res.Outputs["B"].Body)
	require.Empty(t, res.Error)

	// Event stream: starts with EXECUTION_STARTED, ends with
	// EXECUTION_COMPLETED, sequence strictly increasing.
	history := buf.History("exec-linear")
	require.Equal(t, events.ExecutionStarted, history[0].Type)
	last := history[len(history)-1]
	require.Equal(t, events.ExecutionCompleted, last.Type)
	require.Equal(t, string(state.StatusCompleted), last.Status)
	for i := 1; i < len(history); i++ {
		require.Greater(t, history[i].Seq, history[i-1].Seq)
	}
}

func TestExecuteConditionTrueBranch(t *testing.T) {
	buf := events.NewBufferedEmitter()
	e := New(testRegistry(), WithEmitter(buf))

	res, err := e.Execute(context.Background(), conditionDiagram(t), "exec-true", map[string]any{"x": 5})
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, []diagram.NodeID{"A", "B", "C", "E"}, res.ExecutedNodes)
	require.NotContains(t, res.ExecutedNodes, diagram.NodeID("D"))

	skips := buf.HistoryWithFilter("exec-true", events.Filter{Type: events.NodeSkipped})
	require.Len(t, skips, 1)
	require.Equal(t, "D", skips[0].Scope.NodeID)
	require.Equal(t, events.SkipReasonBranchNotTaken, skips[0].Reason)
}

func TestExecuteConditionFalseBranch(t *testing.T) {
	e := New(testRegistry())

	res, err := e.Execute(context.Background(), conditionDiagram(t), "exec-false", map[string]any{"x": -1})
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, []diagram.NodeID{"A", "B", "D", "E"}, res.ExecutedNodes)
}

func TestExecuteLoopWithIterationCap(t *testing.T) {
	// A → L(cap 3) → B(cond, always false): false loops back to L, true
	// exits to E. The loop exhausts its cap and exits through the true
	// branch anyway.
	d := mustDiagram(t,
		[]*diagram.Node{
			startNode("A"),
			&diagram.Node{ID: "L", Type: diagram.NodeTypeJob, Data: map[string]any{"max_iteration": 3}},
			condNode("B", nil),
			endpointNode("E"),
		},
		[]*diagram.Arrow{
			arrow("1", "A", "L"),
			arrow("2", "L", "B"),
			branchArrow("3", "B", "L", diagram.BranchFalse),
			branchArrow("4", "B", "E", diagram.BranchTrue),
		},
	)
	reg := testRegistry()
	reg.Register(diagram.NodeTypeCondition, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		return envelope.NewBool(string(n.ID), false), nil
	}))

	buf := events.NewBufferedEmitter()
	e := New(reg, WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-loop", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Contains(t, res.ExecutedNodes, diagram.NodeID("E"))

	starts := buf.HistoryWithFilter("exec-loop", events.Filter{NodeID: "L", Type: events.NodeStarted})
	require.Len(t, starts, 3)

	skips := buf.HistoryWithFilter("exec-loop", events.Filter{Type: events.NodeSkipped})
	require.Len(t, skips, 1)
	require.Equal(t, "L", skips[0].Scope.NodeID)
	require.Equal(t, events.SkipReasonMaxIterations, skips[0].Reason)
}

func TestExecuteFirstOnlySeed(t *testing.T) {
	seed := arrow("1", "A", "L")
	seed.HandleMode = diagram.HandleFirstOnly
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), personNode("L", map[string]any{"max_iteration": 3})},
		[]*diagram.Arrow{seed, arrow("2", "L", "L")},
	)

	var mu sync.Mutex
	var seen []map[string]any
	reg := testRegistry()
	reg.Register(diagram.NodeTypePersonJob, HandlerFunc(func(_ context.Context, n *diagram.Node, inputs map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		mu.Lock()
		seen = append(seen, inputs)
		mu.Unlock()
		return envelope.NewText(string(n.ID), "turn"), nil
	}))

	buf := events.NewBufferedEmitter()
	e := New(reg, WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-seed", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)

	starts := buf.HistoryWithFilter("exec-seed", events.Filter{NodeID: "L", Type: events.NodeStarted})
	require.Len(t, starts, 3)

	// The seed binds on the first run only; later runs see the self-loop.
	require.Len(t, seen, 3)
	require.Contains(t, seen[0], "A")
	require.NotContains(t, seen[0], "L")
	require.NotContains(t, seen[1], "A")
	require.Contains(t, seen[1], "L")
}

func TestReplayIdempotent(t *testing.T) {
	buf := events.NewBufferedEmitter()
	e := New(testRegistry(), WithEmitter(buf))

	_, err := e.Execute(context.Background(), conditionDiagram(t), "exec-replay", map[string]any{"x": 5})
	require.NoError(t, err)
	history := buf.History("exec-replay")
	require.NotEmpty(t, history)

	apply := func(passes int) []byte {
		st := store.NewStore(store.NewMemPersistence())
		defer st.Close()
		_, err := st.CreateExecution(context.Background(), "exec-replay", "test")
		require.NoError(t, err)
		for i := 0; i < passes; i++ {
			for _, ev := range history {
				require.NoError(t, st.HandleEvent(context.Background(), ev))
			}
		}
		got, err := st.GetState(context.Background(), "exec-replay")
		require.NoError(t, err)
		data, err := got.CanonicalBytes()
		require.NoError(t, err)
		return data
	}

	require.Equal(t, apply(1), apply(2))
}

func TestExecuteContinueOnErrorSkips(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			startNode("A"),
			&diagram.Node{ID: "B", Type: diagram.NodeTypeJob, Data: map[string]any{"continue_on_error": true}},
			jobNode("C"),
		},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "B", "C")},
	)
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, _ *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		return nil, Fatal(errors.New("boom"))
	}))

	buf := events.NewBufferedEmitter()
	e := New(reg, WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-coe", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, []diagram.NodeID{"A"}, res.ExecutedNodes)

	nodeErrs := buf.HistoryWithFilter("exec-coe", events.Filter{Type: events.NodeError})
	require.Len(t, nodeErrs, 1)
	require.Equal(t, "B", nodeErrs[0].Scope.NodeID)

	// B skips with reason error; C loses its only input and skips too.
	skips := buf.HistoryWithFilter("exec-coe", events.Filter{Type: events.NodeSkipped})
	require.Len(t, skips, 2)
	require.Equal(t, events.SkipReasonError, skips[0].Reason)
	require.Equal(t, events.SkipReasonBranchNotTaken, skips[1].Reason)
}

func TestExecuteFailFast(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B"), jobNode("C")},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "B", "C")},
	)
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, _ *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		return nil, Fatal(errors.New("boom"))
	}))

	buf := events.NewBufferedEmitter()
	e := New(reg, WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-fail", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, res.Status)
	require.Contains(t, res.Error, "node B")
	require.Contains(t, res.Error, "boom")
	require.NotContains(t, res.ExecutedNodes, diagram.NodeID("C"))

	failed := buf.HistoryWithFilter("exec-fail", events.Filter{Type: events.ExecutionFailed})
	require.Len(t, failed, 1)

	last := buf.History("exec-fail")
	require.Equal(t, events.ExecutionCompleted, last[len(last)-1].Type)
	require.Equal(t, string(state.StatusFailed), last[len(last)-1].Status)
}

func TestExecuteCancellation(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B"), jobNode("C")},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "B", "C")},
	)
	e := New(testRegistry())
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, n *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
		// Cancel mid-run: the in-flight node finishes and applies, then
		// the loop boundary observes the flag.
		require.True(t, e.Cancel("exec-cancel"))
		return echo(context.Background(), n, inputs, hctx)
	}))
	e.handlers = reg

	res, err := e.Execute(context.Background(), d, "exec-cancel", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusAborted, res.Status)
	require.Contains(t, res.ExecutedNodes, diagram.NodeID("B"))
	require.NotContains(t, res.ExecutedNodes, diagram.NodeID("C"))

	// The handle is gone once the execution returns.
	require.False(t, e.Cancel("exec-cancel"))
}

func TestExecuteRetriesTransient(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B")},
		[]*diagram.Arrow{arrow("1", "A", "B")},
	)
	attempts := 0
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		attempts++
		if attempts < 3 {
			return nil, Transient(errors.New("flaky"))
		}
		return envelope.NewText(string(n.ID), "ok"), nil
	}))
	e := New(reg, WithRetryPolicy(RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1,
	}))

	res, err := e.Execute(context.Background(), d, "exec-retry", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, 3, attempts)
}

func TestExecuteValidationErrorNotRetried(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B")},
		[]*diagram.Arrow{arrow("1", "A", "B")},
	)
	attempts := 0
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, _ *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		attempts++
		return nil, Validationf("bad config")
	}))
	e := New(reg, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}))

	res, err := e.Execute(context.Background(), d, "exec-noretry", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, res.Status)
	require.Equal(t, 1, attempts)
}

func TestExecuteNodeTimeout(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B")},
		[]*diagram.Arrow{arrow("1", "A", "B")},
	)
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(ctx context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		select {
		case <-time.After(time.Second):
			return envelope.NewText(string(n.ID), "late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	e := New(reg,
		WithNodeTimeout(20*time.Millisecond),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	)

	res, err := e.Execute(context.Background(), d, "exec-timeout", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, res.Status)
	require.Contains(t, res.Error, "exceeded timeout")
}

func TestExecuteNoHandlerFails(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B")},
		[]*diagram.Arrow{arrow("1", "A", "B")},
	)
	r := NewRegistry()
	r.Register(diagram.NodeTypeStart, HandlerFunc(echo))
	e := New(r)

	res, err := e.Execute(context.Background(), d, "exec-nohandler", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, res.Status)
	require.Contains(t, res.Error, "no handler registered")
}

func TestExecuteDuplicateExecutionID(t *testing.T) {
	d := mustDiagram(t, []*diagram.Node{startNode("A")}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg := NewRegistry()
	reg.Register(diagram.NodeTypeStart, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		once.Do(func() { close(started) })
		<-release
		return envelope.NewText(string(n.ID), ""), nil
	}))
	e := New(reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Execute(context.Background(), d, "exec-dup", nil)
		require.NoError(t, err)
	}()
	<-started

	_, err := e.Execute(context.Background(), d, "exec-dup", nil)
	var eerr *EngineError
	require.ErrorAs(t, err, &eerr)
	require.Equal(t, CodeDuplicateExecution, eerr.Code)

	close(release)
	<-done
}

func TestExecuteEmptyDiagram(t *testing.T) {
	// A diagram with no nodes completes immediately: nothing executes,
	// but the lifecycle events still bracket the run.
	d := mustDiagram(t, nil, nil)
	buf := events.NewBufferedEmitter()
	e := New(testRegistry(), WithEmitter(buf))

	res, err := e.Execute(context.Background(), d, "exec-empty", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Empty(t, res.ExecutedNodes)
	require.Empty(t, res.Outputs)

	hist := buf.History("exec-empty")
	require.Len(t, hist, 2)
	require.Equal(t, events.ExecutionStarted, hist[0].Type)
	require.Equal(t, events.ExecutionCompleted, hist[1].Type)
	require.Equal(t, string(state.StatusCompleted), hist[1].Status)
}

func TestExecuteGeneratesExecutionID(t *testing.T) {
	d := mustDiagram(t, []*diagram.Node{startNode("A")}, nil)
	e := New(testRegistry())

	res, err := e.Execute(context.Background(), d, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ExecutionID)
	require.Equal(t, state.StatusCompleted, res.Status)
}

func TestExecuteWithStorePersistsState(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B"), endpointNode("C")},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "B", "C")},
	)
	st := store.NewStore(store.NewMemPersistence())
	defer st.Close()
	e := New(testRegistry(), WithStore(st))

	_, err := e.Execute(context.Background(), d, "exec-store", map[string]any{"x": 1})
	require.NoError(t, err)

	got, err := st.GetState(context.Background(), "exec-store")
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, got.Status)
	require.Equal(t, []string{"A", "B", "C"}, got.ExecutedNodes)
	require.Equal(t, 1, got.ExecCounts["B"])
	require.NotNil(t, got.EndedAt)
}

func TestExecuteCostAccounting(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B")},
		[]*diagram.Arrow{arrow("1", "A", "B")},
	)
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		env := envelope.NewText(string(n.ID), "answer")
		env.WithMeta("llm_usage", envelope.NewLLMUsage(1_000_000, 500_000, 0))
		env.WithMeta("model", "gpt-4o")
		return env, nil
	}))
	e := New(reg)

	res, err := e.Execute(context.Background(), d, "exec-cost", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), res.Usage.Input)
	require.Equal(t, int64(500_000), res.Usage.Output)
	require.Greater(t, res.Cost, 0.0)
	require.Equal(t, res.Cost, e.CostTracker().Total())
}

func TestExecuteParallelBatch(t *testing.T) {
	// S fans out to three independent jobs; with maxConcurrent 3 they run
	// in one batch and all complete.
	d := mustDiagram(t,
		[]*diagram.Node{startNode("S"), jobNode("J1"), jobNode("J2"), jobNode("J3")},
		[]*diagram.Arrow{arrow("1", "S", "J1"), arrow("2", "S", "J2"), arrow("3", "S", "J3")},
	)
	var mu sync.Mutex
	inflight, peak := 0, 0
	reg := testRegistry()
	reg.Register(diagram.NodeTypeJob, HandlerFunc(func(_ context.Context, n *diagram.Node, _ map[string]any, _ *HandlerContext) (*envelope.Envelope, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return envelope.NewText(string(n.ID), "done"), nil
	}))
	e := New(reg, WithMaxConcurrent(3))

	res, err := e.Execute(context.Background(), d, "exec-parallel", nil)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Len(t, res.ExecutedNodes, 4)
	require.Greater(t, peak, 1)
}

func TestExecuteParallelBatchStarvation(t *testing.T) {
	// F hangs off the false branch of the in-cycle condition B, so it can
	// never leave the pending state: B's result may flip on a later
	// iteration that never comes. With a parallel batch the requeue cap is
	// exhausted while the batch is being filled, and that starvation must
	// fail the execution rather than drop F silently.
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("L"), condNode("B", nil), jobNode("F"), endpointNode("E")},
		[]*diagram.Arrow{
			arrow("1", "A", "L"),
			arrow("2", "L", "B"),
			branchArrow("3", "B", "L", diagram.BranchFalse),
			branchArrow("4", "B", "F", diagram.BranchFalse),
			branchArrow("5", "B", "E", diagram.BranchTrue),
		},
	)
	buf := events.NewBufferedEmitter()
	e := New(testRegistry(),
		WithEmitter(buf),
		WithMaxConcurrent(3),
		WithMaxRequeueAttempts(2),
	)

	res, err := e.Execute(context.Background(), d, "exec-starve", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, res.Status)
	require.Contains(t, res.Error, CodeStarvation)
	require.NotContains(t, res.ExecutedNodes, diagram.NodeID("F"))

	failures := buf.HistoryWithFilter("exec-starve", events.Filter{Type: events.ExecutionFailed})
	require.Len(t, failures, 1)
}
