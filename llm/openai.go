package llm

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dipeo/dipeo-go/envelope"
)

// OpenAIModel implements ChatModel over the OpenAI API.
type OpenAIModel struct {
	modelName string
	client    openaiClient
}

// openaiClient narrows the SDK surface for mocking in tests.
type openaiClient interface {
	createChatCompletion(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error)
}

type openaiSDKClient struct {
	client oai.Client
}

func (c *openaiSDKClient) createChatCompletion(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// NewOpenAIModel creates an adapter for the given API key and model name;
// an empty model name uses gpt-4o-mini.
func NewOpenAIModel(apiKey, modelName string) *OpenAIModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &OpenAIModel{
		modelName: modelName,
		client:    &openaiSDKClient{client: oai.NewClient(option.WithAPIKey(apiKey))},
	}
}

// Chat sends the conversation and returns the completion with token
// accounting.
func (m *OpenAIModel) Chat(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	modelName := req.Model
	if modelName == "" {
		modelName = m.modelName
	}
	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(modelName),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = oai.Float(*req.Temperature)
	}

	completion, err := m.client.createChatCompletion(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai returned no choices")
	}

	usage := envelope.NewLLMUsage(
		completion.Usage.PromptTokens,
		completion.Usage.CompletionTokens,
		completion.Usage.PromptTokensDetails.CachedTokens,
	)
	return Response{
		Text:  completion.Choices[0].Message.Content,
		Model: completion.Model,
		Usage: usage,
	}, nil
}

// Name identifies the adapter.
func (m *OpenAIModel) Name() string { return "openai" }

func toOpenAIMessages(messages []envelope.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case envelope.RoleSystem:
			out = append(out, oai.SystemMessage(msg.Content))
		case envelope.RoleAssistant:
			out = append(out, oai.AssistantMessage(msg.Content))
		default:
			out = append(out, oai.UserMessage(msg.Content))
		}
	}
	return out
}
