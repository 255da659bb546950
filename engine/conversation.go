package engine

import (
	"sync"

	"github.com/dipeo/dipeo-go/envelope"
)

// Conversation is the shared message history threaded through LLM-family
// nodes of one execution. Handlers may be dispatched concurrently, so the
// history is guarded.
type Conversation struct {
	mu       sync.Mutex
	messages []envelope.Message
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds messages to the history.
func (c *Conversation) Append(msgs ...envelope.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Messages returns a copy of the full history.
func (c *Conversation) Messages() []envelope.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
