package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/envelope"
)

// EndpointHandler terminates an execution and packages its final output.
// A single input passes through unchanged; multiple inputs merge into one
// object keyed by binding name. With "save_to_file": true the result is
// also written to the "file_path" config path as JSON.
type EndpointHandler struct{}

// Handle produces the execution's terminal envelope.
func (*EndpointHandler) Handle(_ context.Context, node *diagram.Node, inputs map[string]any, _ *engine.HandlerContext) (*envelope.Envelope, error) {
	id := string(node.ID)

	var result any
	switch len(inputs) {
	case 0:
		result = nil
	case 1:
		for _, v := range inputs {
			result = v
		}
	default:
		merged := make(map[string]any, len(inputs))
		for name, v := range inputs {
			merged[name] = v
		}
		result = merged
	}

	if node.DataBool("save_to_file") {
		path := node.DataString("file_path")
		if path == "" {
			return nil, engine.Validationf("endpoint node %s: save_to_file set without file_path", node.ID)
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, engine.Validationf("endpoint node %s: encode result: %v", node.ID, err)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, engine.Transient(fmt.Errorf("endpoint node %s: mkdir %s: %w", node.ID, dir, err))
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, engine.Transient(fmt.Errorf("endpoint node %s: write %s: %w", node.ID, path, err))
		}
	}

	return envelope.NewJSON(id, result), nil
}
