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

// DBHandler backs db nodes with file storage. The "operation" config key
// selects read, write, or append against the "file" path. With
// "format": "json" the content is decoded on read and encoded on write.
type DBHandler struct{}

// Handle performs the configured file operation.
func (*DBHandler) Handle(_ context.Context, node *diagram.Node, inputs map[string]any, _ *engine.HandlerContext) (*envelope.Envelope, error) {
	id := string(node.ID)
	path := node.DataString("file")
	if path == "" {
		return nil, engine.Validationf("db node %s has no file", node.ID)
	}
	asJSON := node.DataString("format") == "json"

	switch op := node.DataString("operation"); op {
	case "", "read":
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, engine.Validationf("db node %s: %s does not exist", node.ID, path)
			}
			return nil, engine.Transient(fmt.Errorf("db node %s: read %s: %w", node.ID, path, err))
		}
		if asJSON {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, engine.Validationf("db node %s: %s is not valid JSON: %v", node.ID, path, err)
			}
			return envelope.NewJSON(id, v), nil
		}
		return envelope.NewText(id, string(data)), nil

	case "write", "append":
		content, err := renderContent(node, inputs, asJSON)
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, engine.Transient(fmt.Errorf("db node %s: mkdir %s: %w", node.ID, dir, err))
			}
		}
		if op == "write" {
			err = os.WriteFile(path, content, 0o644)
		} else {
			err = appendFile(path, content)
		}
		if err != nil {
			return nil, engine.Transient(fmt.Errorf("db node %s: %s %s: %w", node.ID, op, path, err))
		}
		return envelope.NewJSON(id, map[string]any{"file": path, "bytes": len(content)}), nil

	default:
		return nil, engine.Validationf("db node %s: unknown operation %q", node.ID, op)
	}
}

func renderContent(node *diagram.Node, inputs map[string]any, asJSON bool) ([]byte, error) {
	v, ok := firstInput(inputs, node.DataString("input"))
	if !ok {
		return nil, engine.Validationf("db node %s: nothing to write", node.ID)
	}
	if asJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, engine.Validationf("db node %s: encode input: %v", node.ID, err)
		}
		return data, nil
	}
	return []byte(stringify(v)), nil
}

func appendFile(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
