package schema

import "encoding/json"

// ResultKind discriminates the two shapes an executor may return.
type ResultKind string

const (
	ResultText       ResultKind = "text"
	ResultStructured ResultKind = "structured"
)

// AgentResult is the tagged union of executor result shapes: free text or a
// structured mapping. Exactly one of Text/Fields is meaningful, per Kind.
type AgentResult struct {
	Kind   ResultKind     `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TextResult wraps plain text.
func TextResult(s string) *AgentResult {
	return &AgentResult{Kind: ResultText, Text: s}
}

// StructuredResult wraps a structured mapping.
func StructuredResult(m map[string]any) *AgentResult {
	return &AgentResult{Kind: ResultStructured, Fields: m}
}

// DecodeResult converts a dynamically-typed executor payload into an
// AgentResult. Maps become structured results; everything else is rendered
// as text.
func DecodeResult(v any) *AgentResult {
	switch t := v.(type) {
	case nil:
		return TextResult("")
	case string:
		return TextResult(t)
	case map[string]any:
		return StructuredResult(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return TextResult("")
		}
		return TextResult(string(raw))
	}
}

// Output returns the value bound to a declared output name. The rule is
// total: text results bind every name to the text; structured results pull
// the named field, falling back to the whole mapping when absent.
func (r *AgentResult) Output(name string) any {
	if r == nil {
		return ""
	}
	if r.Kind == ResultText {
		return r.Text
	}
	if v, ok := r.Fields[name]; ok {
		return v
	}
	whole := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		whole[k] = v
	}
	return whole
}

// RawText returns the textual content scanned for override blocks.
// Structured results have no scannable text.
func (r *AgentResult) RawText() string {
	if r == nil || r.Kind != ResultText {
		return ""
	}
	return r.Text
}

// String renders the result for context accumulation and debug records.
func (r *AgentResult) String() string {
	if r == nil {
		return ""
	}
	if r.Kind == ResultText {
		return r.Text
	}
	raw, err := json.Marshal(r.Fields)
	if err != nil {
		return ""
	}
	return string(raw)
}
