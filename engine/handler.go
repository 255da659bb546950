package engine

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
)

// HandlerContext is the read-only view of execution state a handler
// receives alongside its resolved inputs.
type HandlerContext struct {
	ExecutionID string

	// Variables is a snapshot of the execution-scoped variable map.
	Variables map[string]any

	// Usage is the cumulative LLM token usage so far.
	Usage envelope.LLMUsage

	// Conversation is the shared message history threaded through
	// LLM-family nodes. Handlers append to it directly.
	Conversation *Conversation

	// ExecCount is how many times this node has run, counting the current
	// invocation.
	ExecCount int
}

// Handler executes one node type. The engine resolves inputs per arrow
// content-type rules before dispatch; the handler returns the envelope the
// node produced, or a *HandlerError.
type Handler interface {
	Handle(ctx context.Context, node *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, node *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error)

// Handle calls the function.
func (f HandlerFunc) Handle(ctx context.Context, node *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
	return f(ctx, node, inputs, hctx)
}

// Registry maps node types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[diagram.NodeType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[diagram.NodeType]Handler)}
}

// Register installs a handler for a node type, replacing any previous one.
func (r *Registry) Register(t diagram.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler for a node type, or nil.
func (r *Registry) Lookup(t diagram.NodeType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}
