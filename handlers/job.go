package handlers

import (
	"context"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
)

// JobHandler runs data-shaping nodes. The "operation" config key selects
// the transform:
//
//	passthrough  forward a single input (default when unset)
//	merge        combine all named inputs into one object
//	constant     emit the node's "value" config verbatim
//	template     render the "template" config against inputs and variables
type JobHandler struct{}

// Handle applies the configured transform to the node's inputs.
func (*JobHandler) Handle(_ context.Context, node *diagram.Node, inputs map[string]any, hctx *engine.HandlerContext) (*envelope.Envelope, error) {
	id := string(node.ID)
	switch op := node.DataString("operation"); op {
	case "", "passthrough":
		v, ok := firstInput(inputs, node.DataString("input"))
		if !ok {
			return envelope.NewJSON(id, nil), nil
		}
		return envelope.NewJSON(id, v), nil

	case "merge":
		merged := make(map[string]any, len(inputs))
		for name, v := range inputs {
			merged[name] = v
		}
		return envelope.NewJSON(id, merged), nil

	case "constant":
		v, ok := node.Data["value"]
		if !ok {
			return nil, engine.Validationf("job node %s: constant operation requires a value", node.ID)
		}
		return envelope.NewJSON(id, v), nil

	case "template":
		tmpl := node.DataString("template")
		if tmpl == "" {
			return nil, engine.Validationf("job node %s: template operation requires a template", node.ID)
		}
		return envelope.NewText(id, renderTemplate(tmpl, hctx.Variables, inputs)), nil

	default:
		return nil, engine.Validationf("job node %s: unknown operation %q", node.ID, op)
	}
}
