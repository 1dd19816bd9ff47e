// Package jq implements the `jq` node kind: a pure, deterministic JSON
// query evaluated with gojq against named input variables, publishing its
// ordered produced values onto ordered output ports. Queries compile once
// per configuration and the compiled form is shared across requests.
package jq

import (
	"context"
	"fmt"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/value"
	"github.com/itchyny/gojq"
)

// Factory builds and instantiates jq nodes.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) ID() string   { return "jq" }
func (f *Factory) Name() string { return "JQ" }

func (f *Factory) Description() string {
	return "Evaluates a jq query against its named input ports and publishes produced values, in order, onto its output ports."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"jq": map[string]any{
				"type":        "string",
				"description": "jq query; declared input ports are available as $<name> variables",
			},
			"input_names": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"output_names": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "ordered output port names; the query's produced values are assigned in order",
			},
		},
		"required": []string{"jq", "output_names"},
	}
}

func (f *Factory) BuildNode(id string, attrs map[string]any) (*graph.Node, error) {
	query, err := nodekind.StringAttr(attrs, "jq")
	if err != nil {
		return nil, err
	}
	outputs := nodekind.StringSliceAttr(attrs, "output_names")
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: jq node %q declares no output_names", graph.ErrConfiguration, id)
	}
	inputs := nodekind.StringSliceAttr(attrs, "input_names")

	if _, err := gojq.Parse(query); err != nil {
		return nil, fmt.Errorf("%w: jq node %q: %v", graph.ErrConfiguration, id, err)
	}

	return &graph.Node{
		ID:          id,
		Kind:        graph.KindJQ,
		Attributes:  attrs,
		InputPorts:  inputs,
		OutputPorts: outputs,
	}, nil
}

func (f *Factory) NewInstance(node *graph.Node) (any, error) {
	query, err := nodekind.StringAttr(node.Attributes, "jq")
	if err != nil {
		return nil, err
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrConfiguration, err)
	}
	// gojq names variables with their $ prefix; ports are declared bare.
	vars := make([]string, len(node.InputPorts))
	for i, p := range node.InputPorts {
		vars[i] = "$" + p
	}
	code, err := gojq.Compile(parsed, gojq.WithVariables(vars))
	if err != nil {
		return nil, fmt.Errorf("%w: compiling jq query for node %q: %v", graph.ErrConfiguration, node.ID, err)
	}
	return &Node{
		code:    code,
		inputs:  append([]string(nil), node.InputPorts...),
		outputs: append([]string(nil), node.OutputPorts...),
	}, nil
}

// Node is the compiled, shared jq node instance.
type Node struct {
	code    *gojq.Code
	inputs  []string
	outputs []string
}

// Execute runs the compiled query against a null top-level input with
// every declared input port bound as a jq variable in declaration order,
// then assigns the query's ordered produced values to output ports in
// declaration order. Output ports left unfilled because the query
// produced fewer values than declared remain unpublished, so their
// consumers are skipped.
func (n *Node) Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error) {
	args := make([]any, len(n.inputs))
	for i, name := range n.inputs {
		if v, ok := inputs[name]; ok {
			args[i] = v.Native()
		}
	}

	iter := n.code.RunWithContext(ctx, nil, args...)
	outputs := make(map[string]value.V, len(n.outputs))
	for _, port := range n.outputs {
		res, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := res.(error); isErr {
			return nil, fmt.Errorf("%w: %v", nodekind.ErrEvaluation, err)
		}
		outputs[port] = value.FromNative(res)
	}
	return outputs, nil
}
