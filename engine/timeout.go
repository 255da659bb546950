package engine

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
)

// invokeWithTimeout runs one handler invocation, bounding it by the
// engine's node timeout when configured. A timed-out handler yields a
// timeout-kind error so retry and reporting can distinguish it.
func (e *Engine) invokeWithTimeout(ctx context.Context, h Handler, node *diagram.Node, inputs map[string]any, hctx *HandlerContext) (*envelope.Envelope, error) {
	if e.nodeTimeout <= 0 {
		return h.Handle(ctx, node, inputs, hctx)
	}

	tctx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	type result struct {
		env *envelope.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := h.Handle(tctx, node, inputs, hctx)
		done <- result{env, err}
	}()

	select {
	case r := <-done:
		return r.env, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			// Outer cancellation, not a node timeout.
			return nil, &HandlerError{Kind: KindTransient, Message: "execution cancelled", Err: ctx.Err()}
		}
		return nil, &HandlerError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("node %s exceeded timeout %s", node.ID, e.nodeTimeout),
		}
	}
}
