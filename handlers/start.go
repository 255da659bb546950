package handlers

import (
	"context"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
)

// StartHandler runs entry-point nodes. The produced envelope carries the
// node's custom_data when configured, otherwise the execution's initial
// variables, so downstream arrows have something to bind.
type StartHandler struct{}

// Handle produces the seed envelope.
func (*StartHandler) Handle(_ context.Context, node *diagram.Node, _ map[string]any, hctx *engine.HandlerContext) (*envelope.Envelope, error) {
	if custom, ok := node.Data["custom_data"]; ok {
		return envelope.NewJSON(string(node.ID), custom), nil
	}
	return envelope.NewJSON(string(node.ID), hctx.Variables), nil
}
