package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo-go/diagram"
)

func mustDiagram(t *testing.T, nodes []*diagram.Node, arrows []*diagram.Arrow) *diagram.Diagram {
	t.Helper()
	d, err := diagram.New("test", nodes, arrows)
	require.NoError(t, err)
	return d
}

func jobNode(id string) *diagram.Node {
	return &diagram.Node{ID: diagram.NodeID(id), Type: diagram.NodeTypeJob}
}

func startNode(id string) *diagram.Node {
	return &diagram.Node{ID: diagram.NodeID(id), Type: diagram.NodeTypeStart}
}

func condNode(id string, data map[string]any) *diagram.Node {
	return &diagram.Node{ID: diagram.NodeID(id), Type: diagram.NodeTypeCondition, Data: data}
}

func arrow(id, src, dst string) *diagram.Arrow {
	return &diagram.Arrow{ID: id, Source: diagram.NodeID(src), Target: diagram.NodeID(dst)}
}

func branchArrow(id, src, dst, branch string) *diagram.Arrow {
	a := arrow(id, src, dst)
	a.Branch = branch
	return a
}

func TestDepTrackerIndegreeAndPropagation(t *testing.T) {
	// A → B → D, A → C → D: classic diamond.
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("B"), jobNode("C"), jobNode("D")},
		[]*diagram.Arrow{arrow("1", "A", "B"), arrow("2", "A", "C"), arrow("3", "B", "D"), arrow("4", "C", "D")},
	)
	tr := NewDepTracker(d)

	require.Equal(t, []diagram.NodeID{"A"}, tr.InitialReady())

	ready := tr.MarkCompleted("A")
	require.ElementsMatch(t, []diagram.NodeID{"B", "C"}, ready)

	require.Empty(t, tr.MarkCompleted("B"))
	require.Equal(t, []diagram.NodeID{"D"}, tr.MarkCompleted("C"))

	// Idempotent: marking again unblocks nothing.
	require.Empty(t, tr.MarkCompleted("C"))
	require.True(t, tr.IsCompleted("C"))
}

func TestDepTrackerConditionalArrowsExcluded(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), condNode("B", nil), jobNode("C"), jobNode("D")},
		[]*diagram.Arrow{
			arrow("1", "A", "B"),
			branchArrow("2", "B", "C", diagram.BranchTrue),
			branchArrow("3", "B", "D", diagram.BranchFalse),
		},
	)
	tr := NewDepTracker(d)

	// Branch targets carry no structural indegree; they gate on the
	// condition's result at readiness time instead.
	require.Equal(t, []diagram.NodeID{"A", "C", "D"}, tr.InitialReady())
}

func TestDepTrackerSelfLoopExcluded(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("L")},
		[]*diagram.Arrow{arrow("1", "A", "L"), arrow("2", "L", "L")},
	)
	tr := NewDepTracker(d)

	require.Equal(t, []diagram.NodeID{"A"}, tr.InitialReady())
	require.Equal(t, []diagram.NodeID{"L"}, tr.MarkCompleted("A"))
	require.True(t, tr.InCycle("L"))
}

func TestDepTrackerCycleDetection(t *testing.T) {
	// L → B → L is a cycle; E hangs off B and is not.
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), jobNode("L"), condNode("B", nil), jobNode("E")},
		[]*diagram.Arrow{
			arrow("1", "A", "L"),
			arrow("2", "L", "B"),
			branchArrow("3", "B", "L", diagram.BranchFalse),
			branchArrow("4", "B", "E", diagram.BranchTrue),
		},
	)
	tr := NewDepTracker(d)

	require.True(t, tr.InCycle("L"))
	require.True(t, tr.InCycle("B"))
	require.False(t, tr.InCycle("A"))
	require.False(t, tr.InCycle("E"))
}

func TestDepTrackerPriorityDeps(t *testing.T) {
	high := arrow("1", "S", "H")
	high.Priority = 5
	low := arrow("2", "S", "L")
	low.Priority = 1

	d := mustDiagram(t,
		[]*diagram.Node{startNode("S"), jobNode("H"), jobNode("L")},
		[]*diagram.Arrow{high, low},
	)
	tr := NewDepTracker(d)

	require.Empty(t, tr.PriorityDeps("H"))
	require.Equal(t, []diagram.NodeID{"H"}, tr.PriorityDeps("L"))
	require.Equal(t, 1, tr.Stats().PriorityDeps)
}

func TestDepTrackerSkippableConditionExcluded(t *testing.T) {
	// J has two distinct sources, one a skippable condition; that edge must
	// not block J structurally.
	d := mustDiagram(t,
		[]*diagram.Node{startNode("A"), condNode("C", map[string]any{"skippable": true}), jobNode("J")},
		[]*diagram.Arrow{arrow("1", "A", "C"), arrow("2", "C", "J"), arrow("3", "A", "J")},
	)
	tr := NewDepTracker(d)

	require.Equal(t, []diagram.NodeID{"A"}, tr.InitialReady())
	require.ElementsMatch(t, []diagram.NodeID{"C", "J"}, tr.MarkCompleted("A"))
}
