package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo-go/envelope"
)

func TestExecContextOutputsAndCounts(t *testing.T) {
	c := NewExecContext("x", map[string]any{"k": "v"})

	_, ok := c.Output("A")
	require.False(t, ok)

	first := envelope.NewText("A", "one")
	c.SetOutput("A", first)
	c.SetOutput("A", envelope.NewText("A", "two"))
	env, ok := c.Output("A")
	require.True(t, ok)
	require.Equal(t, "two", env.AsText())

	require.Equal(t, 1, c.IncrCount("A"))
	require.Equal(t, 2, c.IncrCount("A"))
	require.Equal(t, 2, c.Count("A"))
	require.Equal(t, 0, c.Count("B"))
}

func TestExecContextVariablesSnapshot(t *testing.T) {
	c := NewExecContext("x", map[string]any{"k": "v"})

	snap := c.Variables()
	snap["k"] = "mutated"
	require.Equal(t, "v", c.Variables()["k"])

	c.SetVariable("n", 1)
	require.Equal(t, 1, c.Variables()["n"])
}

func TestExecContextOrderOncePerNode(t *testing.T) {
	c := NewExecContext("x", nil)
	c.AppendOrder("A")
	c.AppendOrder("B")
	c.AppendOrder("A")
	require.Len(t, c.Order(), 2)
}

func TestExecContextSummarize(t *testing.T) {
	c := NewExecContext("x", nil)
	c.IncrCount("A")
	c.IncrCount("A")
	c.IncrCount("B")
	c.AppendOrder("A")
	c.AppendOrder("B")
	c.SetError("B", "boom")
	c.AddUsage(envelope.NewLLMUsage(10, 5, 0))

	s := c.Summarize()
	require.Equal(t, 2, s.NodesExecuted)
	require.Equal(t, 3, s.TotalRuns)
	require.Equal(t, 1, s.Errors)
	require.Equal(t, int64(15), s.Usage.Total)
}
