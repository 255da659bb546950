package diagram

// ContentType selects the extraction rule applied to a source envelope when
// resolving an arrow's value for the target node.
type ContentType string

const (
	// ContentRawText binds the string form of the source envelope (or the
	// last message text when the envelope wraps a conversation).
	ContentRawText ContentType = "raw_text"

	// ContentVariableInObject treats the source value as a JSON-like object
	// and extracts the field addressed by the arrow's ObjectKeyPath.
	ContentVariableInObject ContentType = "variable_in_object"

	// ContentConversationState binds the source's full message history as a
	// list of role/content records.
	ContentConversationState ContentType = "conversation_state"

	// ContentObject is the default: the raw envelope body is bound under
	// the arrow's variable name.
	ContentObject ContentType = "object"
)

// HandleMode distinguishes recurring inputs from first-execution-only seeds.
type HandleMode string

const (
	// HandleDefault arrows deliver a value on every execution of the target.
	HandleDefault HandleMode = "default"

	// HandleFirstOnly arrows seed the target's first execution and become
	// inert afterwards. They let a loop body start before its recurring
	// inputs exist.
	HandleFirstOnly HandleMode = "first_only"
)

// Branch labels on arrows leaving a Condition node.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Arrow is a directed edge carrying a typed payload from a source handle to
// a target handle.
type Arrow struct {
	ID           string `json:"id"`
	Source       NodeID `json:"source"`
	SourceHandle string `json:"source_handle,omitempty"`
	Target       NodeID `json:"target"`
	TargetHandle string `json:"target_handle,omitempty"`

	// ContentType selects the payload extraction rule; empty means
	// ContentObject.
	ContentType ContentType `json:"content_type,omitempty"`

	// Label and VariableName bind the arrow's value to a name in the
	// target's input map. Label wins when both are set.
	Label        string `json:"label,omitempty"`
	VariableName string `json:"variable_name,omitempty"`

	// ObjectKeyPath is the dotted path used by ContentVariableInObject
	// (e.g. "result.items.0.name").
	ObjectKeyPath string `json:"object_key_path,omitempty"`

	// HandleMode is HandleDefault unless the arrow is a first-only seed.
	HandleMode HandleMode `json:"handle_mode,omitempty"`

	// Branch is "true" or "false" on arrows leaving a Condition node, and
	// empty on unconditional arrows.
	Branch string `json:"branch,omitempty"`

	// Priority orders sibling arrows from a shared source; higher-priority
	// targets must complete before lower-priority ones may start.
	Priority int `json:"execution_priority,omitempty"`
}

// IsConditional reports whether traversal depends on the source Condition's
// boolean result. Conditional arrows never contribute to indegree.
func (a *Arrow) IsConditional() bool { return a.Branch != "" }

// IsFirstOnly reports whether the arrow is a seed consumed only on the
// target's first execution.
func (a *Arrow) IsFirstOnly() bool { return a.HandleMode == HandleFirstOnly }

// WantsTrue reports whether the arrow's branch label matches a true result.
func (a *Arrow) WantsTrue() bool { return a.Branch == BranchTrue }

// IsSelfLoop reports whether the arrow re-enters its own source node.
func (a *Arrow) IsSelfLoop() bool { return a.Source == a.Target }

// BindName returns the variable name the arrow's value is bound under in
// the target's input map: Label, else VariableName, else the source node ID.
func (a *Arrow) BindName() string {
	if a.Label != "" {
		return a.Label
	}
	if a.VariableName != "" {
		return a.VariableName
	}
	return string(a.Source)
}

// EffectiveContentType normalizes an unset content type to ContentObject.
func (a *Arrow) EffectiveContentType() ContentType {
	if a.ContentType == "" {
		return ContentObject
	}
	return a.ContentType
}
