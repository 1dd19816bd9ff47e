// Package config implements DataKit's configuration document: loading
// (JSON or YAML), schema and struct validation, and graph construction
// from the validated document.
package config

import "encoding/json"

// NodeDoc is one configured node: its declared identity, its declared
// port names (for node kinds with user-defined ports), and whatever
// kind-specific attributes remain.
type NodeDoc struct {
	Name        string         `json:"name" yaml:"name" validate:"required"`
	Type        string         `json:"type" yaml:"type" validate:"required"`
	InputNames  []string       `json:"input_names,omitempty" yaml:"input_names,omitempty"`
	OutputNames []string       `json:"output_names,omitempty" yaml:"output_names,omitempty"`
	Attributes  map[string]any `json:"-" yaml:"-"`
}

// UnmarshalJSON decodes a node object, pulling the reserved keys into
// their own fields and leaving every remaining key as a kind-specific
// attribute.
func (n *NodeDoc) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if name, ok := raw["name"].(string); ok {
		n.Name = name
	}
	if typ, ok := raw["type"].(string); ok {
		n.Type = typ
	}
	delete(raw, "name")
	delete(raw, "type")

	if v, ok := raw["input_names"]; ok {
		n.InputNames = toStringSlice(v)
		delete(raw, "input_names")
	}
	if v, ok := raw["output_names"]; ok {
		n.OutputNames = toStringSlice(v)
		delete(raw, "output_names")
	}

	n.Attributes = raw
	return nil
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// LinkDoc is one configured link: a "node.port" source and destination,
// matching graph.Link/graph.PortRef one-to-one. The port part may be
// omitted when it is unambiguous.
type LinkDoc struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// Document is a full DataKit configuration, matching the published
// `datakit.meta.json::config_schema`.
type Document struct {
	Nodes []NodeDoc `json:"nodes" yaml:"nodes" validate:"required,dive"`
	Links []LinkDoc `json:"links,omitempty" yaml:"links,omitempty" validate:"dive"`

	// Debug, when true, enables the trace overlay for every request
	// served by this configuration regardless of the per-request debug
	// header.
	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}
