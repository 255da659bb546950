// Package handlers implements the builtin node handlers: start,
// condition, job, api_job, db, endpoint, and the PersonJob LLM family.
package handlers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/engine"
	"github.com/dipeo/dipeo-go/llm"
)

// NewRegistry builds a registry with every builtin handler installed.
// The chat model backs PersonJob-family nodes; pass nil when the diagram
// contains none.
func NewRegistry(model llm.ChatModel) *engine.Registry {
	r := engine.NewRegistry()
	r.Register(diagram.NodeTypeStart, &StartHandler{})
	r.Register(diagram.NodeTypeCondition, &ConditionHandler{})
	r.Register(diagram.NodeTypeJob, &JobHandler{})
	r.Register(diagram.NodeTypeAPIJob, &APIHandler{})
	r.Register(diagram.NodeTypeDB, &DBHandler{})
	r.Register(diagram.NodeTypeEndpoint, &EndpointHandler{})

	person := &PersonHandler{Model: model}
	r.Register(diagram.NodeTypePersonJob, person)
	r.Register(diagram.NodeTypePersonBatchJob, person)
	return r
}

// renderTemplate substitutes {{name}} placeholders from the given scopes;
// later scopes win. Unknown placeholders are left in place.
func renderTemplate(tmpl string, scopes ...map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	merged := make(map[string]any)
	for _, scope := range scopes {
		for k, v := range scope {
			merged[k] = v
		}
	}

	out := tmpl
	for name, value := range merged {
		out = strings.ReplaceAll(out, "{{"+name+"}}", stringify(value))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// firstInput returns a deterministic single input: the one named by
// preferred if present, else the lexicographically first binding.
func firstInput(inputs map[string]any, preferred string) (any, bool) {
	if preferred != "" {
		if v, ok := inputs[preferred]; ok {
			return v, true
		}
	}
	if len(inputs) == 0 {
		return nil, false
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return inputs[names[0]], true
}
