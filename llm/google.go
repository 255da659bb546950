package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dipeo/dipeo-go/envelope"
)

// GoogleModel implements ChatModel over the Google Gemini API.
type GoogleModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// googleClient narrows the SDK surface for mocking in tests.
type googleClient interface {
	generateContent(ctx context.Context, req Request) (Response, error)
}

// NewGoogleModel creates an adapter for the given API key and model name;
// an empty model name uses gemini-2.0-flash.
func NewGoogleModel(apiKey, modelName string) *GoogleModel {
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	return &GoogleModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &googleSDKClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat sends the conversation and returns the completion with token
// accounting.
func (m *GoogleModel) Chat(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	return m.client.generateContent(ctx, req)
}

// Name identifies the adapter.
func (m *GoogleModel) Name() string { return "google" }

// googleSDKClient wraps the official Gemini SDK. The client is created
// per call; the SDK's transport reuses connections underneath.
type googleSDKClient struct {
	apiKey    string
	modelName string
}

func (c *googleSDKClient) generateContent(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return Response{}, fmt.Errorf("create google client: %w", err)
	}
	defer client.Close()

	modelName := req.Model
	if modelName == "" {
		modelName = c.modelName
	}
	gm := client.GenerativeModel(modelName)
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		gm.SetTemperature(float32(*req.Temperature))
	}

	history, last := toGeminiHistory(req.Messages)
	session := gm.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return Response{}, fmt.Errorf("google generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, errors.New("google returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	usage := &envelope.LLMUsage{}
	if resp.UsageMetadata != nil {
		usage = envelope.NewLLMUsage(
			int64(resp.UsageMetadata.PromptTokenCount),
			int64(resp.UsageMetadata.CandidatesTokenCount),
			int64(resp.UsageMetadata.CachedContentTokenCount),
		)
	}
	return Response{Text: text.String(), Model: modelName, Usage: usage}, nil
}

// toGeminiHistory converts the conversation to Gemini chat history plus
// the final user turn. System messages are folded into the first user
// turn; Gemini has no separate system role in this API surface.
func toGeminiHistory(messages []envelope.Message) ([]*genai.Content, string) {
	var system strings.Builder
	var turns []*genai.Content
	last := ""

	for i, msg := range messages {
		switch msg.Role {
		case envelope.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case envelope.RoleAssistant:
			turns = append(turns, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		default:
			content := msg.Content
			if system.Len() > 0 {
				content = system.String() + "\n\n" + content
				system.Reset()
			}
			if i == len(messages)-1 {
				last = content
				continue
			}
			turns = append(turns, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(content)},
			})
		}
	}
	if last == "" && len(turns) > 0 {
		// The final message was not a user turn; send a continuation.
		last = "Continue."
	}
	return turns, last
}
