package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsText(t *testing.T) {
	require.Equal(t, "hello", NewText("n", "hello").AsText())
	require.Equal(t, `{"k":"v"}`, NewJSON("n", map[string]any{"k": "v"}).AsText())
	require.Equal(t, "plain", NewJSON("n", "plain").AsText())

	conv := NewConversation("n", []Message{
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "answer"},
	})
	require.Equal(t, "answer", conv.AsText())
	require.Equal(t, "", NewConversation("n", nil).AsText())

	require.Equal(t, "<3 bytes>", NewBinary("n", []byte{1, 2, 3}).AsText())
}

func TestAsBool(t *testing.T) {
	v, ok := NewBool("n", true).AsBool()
	require.True(t, ok)
	require.True(t, v)

	_, ok = NewText("n", "true").AsBool()
	require.False(t, ok)

	_, ok = NewJSON("n", "true").AsBool()
	require.False(t, ok)
}

func TestUsageMeta(t *testing.T) {
	env := NewText("n", "x")
	require.Nil(t, env.Usage())

	env.WithMeta("llm_usage", NewLLMUsage(10, 5, 2))
	u := env.Usage()
	require.NotNil(t, u)
	require.Equal(t, int64(15), u.Total)
}

func TestWireRoundTrip(t *testing.T) {
	env := NewJSON("node-1", map[string]any{"k": "v"})
	env.ContentType = "object"
	env.WithMeta("llm_usage", NewLLMUsage(100, 50, 10))
	env.WithMeta("model", "gpt-4o")

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "node-1", decoded.ProducedBy)
	require.Equal(t, KindJSON, decoded.Body.Kind)
	require.Equal(t, map[string]any{"k": "v"}, decoded.Body.JSON)
	require.Equal(t, "gpt-4o", decoded.Meta["model"])

	// Usage survives as a plain map; the typed accessor no longer applies
	// but the numbers are intact.
	usage, ok := decoded.Meta["llm_usage"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(150), usage["total"])

	// Serialize → deserialize → serialize is a fixed point.
	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
}

func TestWireVersionRejectsNewer(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"v": 99, "produced_by": "n", "body": {"kind": "text"}}`), &env)
	require.Error(t, err)

	// Legacy unversioned payloads still load.
	require.NoError(t, json.Unmarshal([]byte(`{"produced_by": "n", "body": {"kind": "text", "text": "old"}}`), &env))
	require.Equal(t, "old", env.AsText())
}

func TestLLMUsageAdd(t *testing.T) {
	var u LLMUsage
	u.Add(NewLLMUsage(10, 5, 1))
	u.Add(NewLLMUsage(2, 3, 0))
	u.Add(nil)
	require.Equal(t, int64(12), u.Input)
	require.Equal(t, int64(8), u.Output)
	require.Equal(t, int64(1), u.Cached)
	require.Equal(t, int64(20), u.Total)
	require.False(t, u.IsZero())
	require.True(t, (&LLMUsage{}).IsZero())
}
