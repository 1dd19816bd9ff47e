// Package template implements the `template` node kind: renders a
// text/template against its named input ports and, depending on the
// node's declared content type, either parses the rendered text as
// structured JSON or wraps it as Raw bytes.
package template

import (
	"context"
	"fmt"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	tmpl "github.com/datakit/datakit/pkg/template"
	"github.com/datakit/datakit/pkg/value"
)

const (
	PortOutput = "output"

	defaultContentType = "text/plain"
)

// Factory builds and instantiates template nodes.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) ID() string   { return "template" }
func (f *Factory) Name() string { return "Template" }

func (f *Factory) Description() string {
	return "Renders a text template against its named input ports."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"template": map[string]any{
				"type":        "string",
				"description": "Go text/template source; declared input ports are available as {{.<name>}}",
			},
			"content_type": map[string]any{
				"type":    "string",
				"default": defaultContentType,
			},
			"input_names": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"template"},
	}
}

func (f *Factory) BuildNode(id string, attrs map[string]any) (*graph.Node, error) {
	src, err := nodekind.StringAttr(attrs, "template")
	if err != nil {
		return nil, err
	}
	if _, err := tmpl.Parse(src); err != nil {
		return nil, fmt.Errorf("%w: template node %q: %v", graph.ErrConfiguration, id, err)
	}
	inputs := nodekind.StringSliceAttr(attrs, "input_names")
	return &graph.Node{
		ID:          id,
		Kind:        graph.KindTemplate,
		Attributes:  attrs,
		InputPorts:  inputs,
		OutputPorts: []string{PortOutput},
	}, nil
}

func (f *Factory) NewInstance(node *graph.Node) (any, error) {
	src, err := nodekind.StringAttr(node.Attributes, "template")
	if err != nil {
		return nil, err
	}
	parsed, err := tmpl.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrConfiguration, err)
	}
	contentType := nodekind.StringAttrDefault(node.Attributes, "content_type", defaultContentType)
	return &Node{
		tpl:         parsed,
		inputs:      append([]string(nil), node.InputPorts...),
		contentType: contentType,
	}, nil
}

// Node is the compiled, shared template node instance.
type Node struct {
	tpl         *tmpl.Template
	inputs      []string
	contentType string
}

// Execute renders the template against its named inputs. A structured
// content type causes the rendered text to be parsed and published as a
// structured V; any other content type wraps the rendered bytes as Raw.
func (n *Node) Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error) {
	vars := make(map[string]any, len(n.inputs))
	for _, name := range n.inputs {
		if v, ok := inputs[name]; ok {
			vars[name] = v.Native()
		}
	}

	rendered, err := n.tpl.Render(vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodekind.ErrEvaluation, err)
	}

	if value.IsJSONContentType(n.contentType) {
		parsed, decodeErr := value.DecodeBody([]byte(rendered), n.contentType)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: rendered template is not valid %s: %v", nodekind.ErrEvaluation, n.contentType, decodeErr)
		}
		return map[string]value.V{PortOutput: parsed}, nil
	}

	return map[string]value.V{PortOutput: value.Raw([]byte(rendered), n.contentType)}, nil
}
