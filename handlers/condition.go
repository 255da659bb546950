package handlers

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
)

// ConditionHandler evaluates a boolean expression over the execution's
// variables and the node's resolved inputs. The expression comes from the
// node's "expression" config key and uses expr-lang syntax, e.g.
// "x > 0 && status != 'done'".
type ConditionHandler struct{}

// Handle evaluates the expression and returns its boolean result.
func (h *ConditionHandler) Handle(_ context.Context, node *diagram.Node, inputs map[string]any, hctx *engine.HandlerContext) (*envelope.Envelope, error) {
	src := node.DataString("expression")
	if src == "" {
		return nil, engine.Validationf("condition node %s has no expression", node.ID)
	}

	env := make(map[string]any, len(hctx.Variables)+len(inputs))
	for k, v := range hctx.Variables {
		env[k] = v
	}
	for k, v := range inputs {
		env[k] = v
	}

	program, err := expr.Compile(src, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, engine.Validationf("condition node %s: compile %q: %v", node.ID, src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, engine.Validationf("condition node %s: evaluate %q: %v", node.ID, src, err)
	}
	result, ok := out.(bool)
	if !ok {
		return nil, engine.Validationf("condition node %s: expression %q is not boolean", node.ID, src)
	}
	return envelope.NewBool(string(node.ID), result), nil
}
