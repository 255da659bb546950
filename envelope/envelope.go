// Package envelope defines the typed payload produced by node executions.
//
// An Envelope carries a tagged body (text, JSON, conversation, or binary),
// provenance, and optional metadata such as LLM token usage. Envelopes are
// serializable; the persisted form carries a version tag so stored state can
// survive format evolution.
package envelope

import (
	"encoding/json"
	"fmt"
)

// WireVersion is the current serialization format version. Unversioned
// payloads (version 0) are accepted for backward compatibility.
const WireVersion = 1

// BodyKind discriminates the envelope body union.
type BodyKind string

const (
	KindText         BodyKind = "text"
	KindJSON         BodyKind = "json"
	KindConversation BodyKind = "conversation"
	KindBinary       BodyKind = "binary"
)

// Message is a single role/content record in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation message roles, aligned with the conventions used by the
// major LLM providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Body is the tagged value union carried by an envelope. Exactly one field
// matching Kind is populated.
type Body struct {
	Kind         BodyKind  `json:"kind"`
	Text         string    `json:"text,omitempty"`
	JSON         any       `json:"json,omitempty"`
	Conversation []Message `json:"conversation,omitempty"`
	Binary       []byte    `json:"binary,omitempty"`
}

// Envelope is the value a node produces. When a node re-executes in a loop
// its envelope is overwritten; consumers needing history must copy it.
type Envelope struct {
	// ProducedBy is the ID of the node that produced this envelope.
	ProducedBy string `json:"produced_by"`

	// ContentType describes how downstream arrows should interpret the
	// body (mirrors the arrow content-type vocabulary).
	ContentType string `json:"content_type,omitempty"`

	// Body is the tagged payload.
	Body Body `json:"body"`

	// Meta carries auxiliary data. Well-known keys:
	//   "llm_usage"  *LLMUsage token accounting
	//   "model"      model identifier for LLM-produced envelopes
	Meta map[string]any `json:"meta,omitempty"`

	// Representations optionally carries alternate renderings of the body
	// keyed by format name (e.g. "markdown", "raw").
	Representations map[string]any `json:"representations,omitempty"`
}

// NewText creates a text envelope.
func NewText(producedBy, text string) *Envelope {
	return &Envelope{
		ProducedBy: producedBy,
		Body:       Body{Kind: KindText, Text: text},
	}
}

// NewJSON creates an envelope wrapping an arbitrary JSON-like value.
func NewJSON(producedBy string, v any) *Envelope {
	return &Envelope{
		ProducedBy: producedBy,
		Body:       Body{Kind: KindJSON, JSON: v},
	}
}

// NewBool creates a JSON envelope holding a boolean, the form Condition
// nodes report their result in.
func NewBool(producedBy string, v bool) *Envelope {
	return NewJSON(producedBy, v)
}

// NewConversation creates an envelope wrapping a message history.
func NewConversation(producedBy string, messages []Message) *Envelope {
	return &Envelope{
		ProducedBy: producedBy,
		Body:       Body{Kind: KindConversation, Conversation: messages},
	}
}

// NewBinary creates an envelope wrapping raw bytes.
func NewBinary(producedBy string, data []byte) *Envelope {
	return &Envelope{
		ProducedBy: producedBy,
		Body:       Body{Kind: KindBinary, Binary: data},
	}
}

// WithMeta returns the envelope with a metadata key set, allocating the map
// on first use. The receiver is returned for chaining.
func (e *Envelope) WithMeta(key string, value any) *Envelope {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// Usage returns the envelope's LLM token usage, or nil.
func (e *Envelope) Usage() *LLMUsage {
	if e.Meta == nil {
		return nil
	}
	switch u := e.Meta["llm_usage"].(type) {
	case *LLMUsage:
		return u
	case LLMUsage:
		return &u
	}
	return nil
}

// AsText renders the body as a string.
//
// Conversations render as their final message's content; JSON values are
// re-marshaled; binary bodies render as their byte length.
func (e *Envelope) AsText() string {
	switch e.Body.Kind {
	case KindText:
		return e.Body.Text
	case KindConversation:
		if n := len(e.Body.Conversation); n > 0 {
			return e.Body.Conversation[n-1].Content
		}
		return ""
	case KindJSON:
		if s, ok := e.Body.JSON.(string); ok {
			return s
		}
		data, err := json.Marshal(e.Body.JSON)
		if err != nil {
			return fmt.Sprintf("%v", e.Body.JSON)
		}
		return string(data)
	case KindBinary:
		return fmt.Sprintf("<%d bytes>", len(e.Body.Binary))
	}
	return ""
}

// AsBool extracts a boolean result from the body. Returns false, false when
// the body does not hold a boolean.
func (e *Envelope) AsBool() (value, ok bool) {
	if e.Body.Kind != KindJSON {
		return false, false
	}
	b, ok := e.Body.JSON.(bool)
	return b, ok
}

// Value returns the natural Go value of the body for default (object)
// binding.
func (e *Envelope) Value() any {
	switch e.Body.Kind {
	case KindText:
		return e.Body.Text
	case KindJSON:
		return e.Body.JSON
	case KindConversation:
		return e.Body.Conversation
	case KindBinary:
		return e.Body.Binary
	}
	return nil
}

// wireEnvelope is the persisted form. The version tag lets the store reject
// or migrate envelopes written by incompatible releases.
type wireEnvelope struct {
	Version         int            `json:"v"`
	ProducedBy      string         `json:"produced_by"`
	ContentType     string         `json:"content_type,omitempty"`
	Body            Body           `json:"body"`
	Meta            map[string]any `json:"meta,omitempty"`
	Representations map[string]any `json:"representations,omitempty"`
}

// MarshalJSON writes the versioned wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	meta := e.Meta
	if u := e.Usage(); u != nil {
		// Normalize usage to a plain map so the wire form round-trips
		// without the concrete *LLMUsage type.
		meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		meta["llm_usage"] = map[string]any{
			"input":  u.Input,
			"output": u.Output,
			"cached": u.Cached,
			"total":  u.Total,
		}
	}
	return json.Marshal(wireEnvelope{
		Version:         WireVersion,
		ProducedBy:      e.ProducedBy,
		ContentType:     e.ContentType,
		Body:            e.Body,
		Meta:            meta,
		Representations: e.Representations,
	})
}

// UnmarshalJSON reads the wire form, accepting version 0 (legacy,
// unversioned) and the current version.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Version > WireVersion {
		return fmt.Errorf("envelope wire version %d is newer than supported version %d", w.Version, WireVersion)
	}
	e.ProducedBy = w.ProducedBy
	e.ContentType = w.ContentType
	e.Body = w.Body
	e.Meta = w.Meta
	e.Representations = w.Representations
	return nil
}
