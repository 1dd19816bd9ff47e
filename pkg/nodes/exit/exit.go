// Package exit implements the `exit` node kind: the sanctioned
// short-circuit. When an exit node completes, the engine skips every
// remaining node and answers the client directly from the node's inputs
// and configured status.
package exit

import (
	"context"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/value"
)

const (
	PortBody    = "body"
	PortHeaders = "headers"

	defaultStatus = 200.0
)

// Factory builds and instantiates exit nodes.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) ID() string   { return "exit" }
func (f *Factory) Name() string { return "Exit" }

func (f *Factory) Description() string {
	return "Short-circuits the request: bypasses the upstream dispatch and the proxied response."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":    "integer",
				"default": int(defaultStatus),
			},
		},
	}
}

func (f *Factory) BuildNode(id string, attrs map[string]any) (*graph.Node, error) {
	return &graph.Node{
		ID:         id,
		Kind:       graph.KindExit,
		Attributes: attrs,
		InputPorts: []string{PortBody, PortHeaders},
	}, nil
}

func (f *Factory) NewInstance(node *graph.Node) (any, error) {
	status := int(nodekind.FloatAttrDefault(node.Attributes, "status", defaultStatus))
	return &Node{status: status}, nil
}

// Node holds the exit node's configured status. The engine reads
// Status() when the node completes, to build the short-circuit response
// directly from this node's captured inputs.
type Node struct {
	status int
}

func (n *Node) Status() int { return n.status }

// Execute is a no-op: exit declares no output ports. The engine reads the
// node's captured inputs directly rather than relying on published
// outputs, since exit's effect is ending the request, not feeding a
// downstream node.
func (n *Node) Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error) {
	return nil, nil
}
