package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
	"github.com/dipeo/dipeo-go/llm"
)

// PersonHandler executes the PersonJob node family against a chat model.
//
// The first invocation of a node uses its "first_only_prompt" when set,
// later invocations its "default_prompt"; either falls back to the other
// when absent. Prompts are templates rendered against the execution
// variables and the node's resolved inputs. The exchange is appended to
// the execution's shared conversation so loop iterations see prior turns.
type PersonHandler struct {
	Model llm.ChatModel
}

// Handle renders the prompt, invokes the model, and wraps the reply.
func (h *PersonHandler) Handle(ctx context.Context, node *diagram.Node, inputs map[string]any, hctx *engine.HandlerContext) (*envelope.Envelope, error) {
	if h.Model == nil {
		return nil, engine.Validationf("person node %s: no chat model configured", node.ID)
	}
	prompt := selectPrompt(node, hctx.ExecCount)
	if prompt == "" {
		return nil, engine.Validationf("person node %s has no prompt", node.ID)
	}
	prompt = renderTemplate(prompt, hctx.Variables, inputs)

	req := llm.Request{
		Model:     node.DataString("model"),
		MaxTokens: node.DataInt("max_tokens"),
	}
	if system := node.DataString("system_prompt"); system != "" {
		req.Messages = append(req.Messages, envelope.Message{Role: envelope.RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, hctx.Conversation.Messages()...)
	req.Messages = append(req.Messages, envelope.Message{Role: envelope.RoleUser, Content: prompt})

	resp, err := h.Model.Chat(ctx, req)
	if err != nil {
		if llm.IsTransient(err) {
			return nil, engine.Transient(fmt.Errorf("person node %s: %w", node.ID, err))
		}
		return nil, engine.Fatal(fmt.Errorf("person node %s: %w", node.ID, err))
	}

	hctx.Conversation.Append(
		envelope.Message{Role: envelope.RoleUser, Content: prompt},
		envelope.Message{Role: envelope.RoleAssistant, Content: resp.Text},
	)

	env := buildReply(string(node.ID), node, resp.Text)
	if resp.Usage != nil {
		env.WithMeta("llm_usage", resp.Usage)
	}
	model := resp.Model
	if model == "" {
		model = h.Model.Name()
	}
	env.WithMeta("model", model)
	return env, nil
}

// selectPrompt picks the prompt for the current iteration.
func selectPrompt(node *diagram.Node, execCount int) string {
	first := node.DataString("first_only_prompt")
	def := node.DataString("default_prompt")
	if execCount <= 1 && first != "" {
		return first
	}
	if def != "" {
		return def
	}
	return first
}

// buildReply wraps the model's text. When the node declares "json_output"
// the reply is decoded, repairing the common LLM JSON defects (trailing
// commas, fence markers, single quotes) before giving up.
func buildReply(id string, node *diagram.Node, text string) *envelope.Envelope {
	if !node.DataBool("json_output") {
		return envelope.NewText(id, text)
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return envelope.NewJSON(id, v)
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return envelope.NewText(id, text)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return envelope.NewText(id, text)
	}
	return envelope.NewJSON(id, v).WithMeta("repaired", true)
}
