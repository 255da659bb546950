// Package llm defines the chat-model capability consumed by PersonJob
// handlers, plus token cost accounting and provider adapters for OpenAI,
// Anthropic, and Google.
package llm

import (
	"context"

	"github.com/dipeo/dipeo-go/envelope"
)

// Request is a single chat completion call.
type Request struct {
	// Model selects the provider model; empty uses the adapter default.
	Model string

	// Messages is the conversation so far, oldest first.
	Messages []envelope.Message

	// MaxTokens caps the response length; 0 uses the adapter default.
	MaxTokens int

	// Temperature controls sampling randomness; nil uses the provider
	// default.
	Temperature *float64
}

// Response is the model's reply with token accounting.
type Response struct {
	Text  string
	Model string
	Usage *envelope.LLMUsage
}

// ChatModel is the capability PersonJob nodes invoke. Adapters wrap the
// provider SDKs behind this interface; handlers never see provider types.
type ChatModel interface {
	// Chat performs one completion. Implementations classify provider
	// errors so the engine can retry transient ones.
	Chat(ctx context.Context, req Request) (Response, error)

	// Name identifies the adapter for logging and cost lookup.
	Name() string
}
