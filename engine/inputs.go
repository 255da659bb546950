package engine

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/envelope"
)

// resolveInputs builds the handler input map for a node run: every arrow
// currently delivering a value is extracted per its content type and bound
// under the arrow's variable name.
func resolveInputs(d *diagram.Diagram, s *Scheduler, cctx *ExecContext, node *diagram.Node) (map[string]any, error) {
	inputs := make(map[string]any)
	for _, a := range d.Incoming(node.ID) {
		if !s.ArrowDelivers(a, node.ID) {
			continue
		}
		src, _ := cctx.Output(a.Source)
		value, err := extractValue(src, a, cctx.Conversation())
		if err != nil {
			return nil, err
		}
		inputs[a.BindName()] = value
	}
	return inputs, nil
}

// extractValue applies the arrow's content-type rule to the source
// envelope.
func extractValue(src *envelope.Envelope, a *diagram.Arrow, conv *Conversation) (any, error) {
	switch a.EffectiveContentType() {
	case diagram.ContentRawText:
		return src.AsText(), nil

	case diagram.ContentVariableInObject:
		return extractPath(src, a)

	case diagram.ContentConversationState:
		if src.Body.Kind == envelope.KindConversation {
			return src.Body.Conversation, nil
		}
		return conv.Messages(), nil

	default:
		return src.Value(), nil
	}
}

// extractPath resolves the arrow's dotted ObjectKeyPath against the
// source's JSON-like value.
func extractPath(src *envelope.Envelope, a *diagram.Arrow) (any, error) {
	if a.ObjectKeyPath == "" {
		return src.Value(), nil
	}
	data, err := json.Marshal(src.Value())
	if err != nil {
		return nil, Validationf("arrow %s: source value of %s is not JSON-serializable: %v", a.ID, a.Source, err)
	}
	res := gjson.GetBytes(data, a.ObjectKeyPath)
	if !res.Exists() {
		return nil, Validationf("arrow %s: path %q not found in output of %s", a.ID, a.ObjectKeyPath, a.Source)
	}
	return res.Value(), nil
}
