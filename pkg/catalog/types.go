package catalog

import "encoding/json"

// ToolAnnotations carry behavioral hints attached to a tool definition.
type ToolAnnotations struct {
	// Paginated marks tools whose result sets are fetched cursor-batch by
	// cursor-batch.
	Paginated bool `json:"paginated,omitempty"`

	// FinalizeTerminal marks tools whose raw output is the final answer.
	FinalizeTerminal bool `json:"finalizeTerminal,omitempty"`

	// Kind groups tools for policy decisions, e.g. "collection_query".
	Kind string `json:"kind,omitempty"`

	// CountOnly marks tools that return a count instead of records when the
	// caller asks for it.
	CountOnly bool `json:"countOnly,omitempty"`
}

// ToolDefinition describes one callable capability on a tool-server.
type ToolDefinition struct {
	// ID is the fully-qualified tool id, "<server>.<name>".
	ID string `json:"id"`

	// Server is the tool-server key the tool lives on.
	Server string `json:"server"`

	// Name is the canonical tool name on that server.
	Name string `json:"name"`

	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations ToolAnnotations `json:"annotations,omitempty"`
}

// SchemaProperties returns the property names declared by the tool's input
// schema. A nil map means the tool declares no schema at all.
func (d *ToolDefinition) SchemaProperties() map[string]bool {
	if len(d.InputSchema) == 0 {
		return nil
	}

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return nil
	}
	if schema.Properties == nil {
		return nil
	}

	props := make(map[string]bool, len(schema.Properties))
	for name := range schema.Properties {
		props[name] = true
	}
	return props
}
