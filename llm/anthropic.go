package llm

import (
	"context"
	"fmt"
	"strings"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dipeo/dipeo-go/envelope"
)

// AnthropicModel implements ChatModel over the Anthropic API.
type AnthropicModel struct {
	modelName string
	maxTokens int
	client    anthropicClient
}

// anthropicClient narrows the SDK surface for mocking in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, params ant.MessageNewParams) (*ant.Message, error)
}

type anthropicSDKClient struct {
	client ant.Client
}

func (c *anthropicSDKClient) createMessage(ctx context.Context, params ant.MessageNewParams) (*ant.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// NewAnthropicModel creates an adapter for the given API key and model
// name; an empty model name uses claude-3-5-haiku-latest.
func NewAnthropicModel(apiKey, modelName string) *AnthropicModel {
	if modelName == "" {
		modelName = "claude-3-5-haiku-latest"
	}
	return &AnthropicModel{
		modelName: modelName,
		maxTokens: 4096,
		client:    &anthropicSDKClient{client: ant.NewClient(option.WithAPIKey(apiKey))},
	}
}

// Chat sends the conversation and returns the completion with token
// accounting. System messages are lifted into the separate system
// parameter the Anthropic API expects.
func (m *AnthropicModel) Chat(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	modelName := req.Model
	if modelName == "" {
		modelName = m.modelName
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	system, conversation := splitSystemPrompt(req.Messages)
	params := ant.MessageNewParams{
		Model:     ant.Model(modelName),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if system != "" {
		params.System = []ant.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = ant.Float(*req.Temperature)
	}

	msg, err := m.client.createMessage(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := envelope.NewLLMUsage(
		msg.Usage.InputTokens,
		msg.Usage.OutputTokens,
		msg.Usage.CacheReadInputTokens,
	)
	return Response{
		Text:  text.String(),
		Model: string(msg.Model),
		Usage: usage,
	}, nil
}

// Name identifies the adapter.
func (m *AnthropicModel) Name() string { return "anthropic" }

// splitSystemPrompt lifts system messages out of the conversation,
// concatenating multiples.
func splitSystemPrompt(messages []envelope.Message) (string, []ant.MessageParam) {
	var system strings.Builder
	var conversation []ant.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case envelope.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case envelope.RoleAssistant:
			conversation = append(conversation, ant.NewAssistantMessage(ant.NewTextBlock(msg.Content)))
		default:
			conversation = append(conversation, ant.NewUserMessage(ant.NewTextBlock(msg.Content)))
		}
	}
	return system.String(), conversation
}
