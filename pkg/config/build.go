package config

import (
	"fmt"
	"strings"

	"github.com/datakit/datakit/pkg/engine"
	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/registry"
)

// Build turns a loaded document into a compiled configuration: it
// resolves every node through the registry, resolves link endpoints
// (including port-name defaulting and synthesis for user-port node
// kinds), validates the assembled graph, and instantiates the shared
// runtime behavior for every node. The result is immutable and safe to
// share across requests.
func Build(doc *Document, reg *registry.Registry) (*engine.Compiled, error) {
	docs := make(map[string]*NodeDoc, len(doc.Nodes))
	factories := make(map[string]nodekind.Factory, len(doc.Nodes))
	prelim := make(map[string]*graph.Node, len(doc.Nodes))
	order := make([]string, 0, len(doc.Nodes))

	for i := range doc.Nodes {
		nd := &doc.Nodes[i]
		if _, dup := docs[nd.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node name %q", graph.ErrConfiguration, nd.Name)
		}
		if graph.IsReservedName(nd.Name) {
			return nil, fmt.Errorf("%w: node name %q is reserved", graph.ErrConfiguration, nd.Name)
		}
		f, ok := reg.Lookup(nd.Type)
		if !ok {
			return nil, fmt.Errorf("%w: unknown node kind %q", graph.ErrConfiguration, nd.Type)
		}

		built, err := f.BuildNode(nd.Name, nodeAttrs(nd))
		if err != nil {
			return nil, err
		}

		docs[nd.Name] = nd
		factories[nd.Name] = f
		prelim[nd.Name] = built
		order = append(order, nd.Name)
	}

	implicit := graph.ImplicitNodes()
	ports := make(map[string]*graph.Node, len(prelim)+len(implicit))
	for id, n := range prelim {
		ports[id] = n
	}
	for _, n := range implicit {
		ports[n.ID] = n
	}

	// Resolve link endpoints against the declared port sets. Destinations
	// without an explicit port on user-port kinds grow a synthesized
	// input port named after the source, so the second BuildNode pass
	// below sees the full input list.
	synthesized := make(map[string][]string)
	links := make([]graph.Link, 0, len(doc.Links))

	for i, ld := range doc.Links {
		from, err := resolveSource(ports, ld.From)
		if err != nil {
			return nil, err
		}
		to, err := resolveDestination(ports, ld.To, from, synthesized)
		if err != nil {
			return nil, err
		}
		id := ld.ID
		if id == "" {
			id = fmt.Sprintf("link%d", i+1)
		}
		links = append(links, graph.Link{ID: id, From: from, To: to})
	}

	nodes := make([]*graph.Node, 0, len(implicit)+len(order))
	nodes = append(nodes, implicit...)
	for _, id := range order {
		built := prelim[id]
		if extra := synthesized[id]; len(extra) > 0 {
			attrs := nodeAttrs(docs[id])
			attrs["input_names"] = append(docs[id].InputNames, extra...)
			built, err := factories[id].BuildNode(id, attrs)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, built)
			prelim[id] = built
			continue
		}
		nodes = append(nodes, built)
	}

	g, err := graph.Build(nodes, links)
	if err != nil {
		return nil, err
	}

	instances := make(map[string]any, len(order))
	for _, id := range order {
		inst, err := factories[id].NewInstance(prelim[id])
		if err != nil {
			return nil, err
		}
		instances[id] = inst
	}

	compiled, err := engine.NewCompiled(g, instances)
	if err != nil {
		return nil, err
	}
	compiled.Debug = doc.Debug
	return compiled, nil
}

// LoadAndBuild is the one-call path from raw document bytes to a compiled
// configuration.
func LoadAndBuild(raw []byte, reg *registry.Registry) (*engine.Compiled, error) {
	doc, err := Load(raw)
	if err != nil {
		return nil, err
	}
	return Build(doc, reg)
}

func nodeAttrs(nd *NodeDoc) map[string]any {
	attrs := make(map[string]any, len(nd.Attributes)+2)
	for k, v := range nd.Attributes {
		attrs[k] = v
	}
	if len(nd.InputNames) > 0 {
		attrs["input_names"] = nd.InputNames
	}
	if len(nd.OutputNames) > 0 {
		attrs["output_names"] = nd.OutputNames
	}
	return attrs
}

// resolveSource parses a "node" or "node.port" source reference. A bare
// node name resolves to the node's only output port; nodes with several
// outputs require the explicit form.
func resolveSource(ports map[string]*graph.Node, ref string) (graph.PortRef, error) {
	nodeName, portName := splitRef(ref)
	n, ok := ports[nodeName]
	if !ok {
		return graph.PortRef{}, fmt.Errorf("%w: link source references unknown node %q", graph.ErrConfiguration, nodeName)
	}
	if portName == "" {
		if len(n.OutputPorts) != 1 {
			return graph.PortRef{}, fmt.Errorf("%w: link source %q must name one of node %q's output ports", graph.ErrConfiguration, ref, nodeName)
		}
		portName = n.OutputPorts[0]
	}
	return graph.PortRef{Node: nodeName, Port: portName}, nil
}

// resolveDestination parses a "node" or "node.port" destination. A bare
// node name resolves to the node's only input port when it has exactly
// one; on user-port kinds (jq, template) it instead synthesizes a port
// named after the source endpoint, with every character that is not a
// letter, digit, or underscore replaced by "_".
func resolveDestination(ports map[string]*graph.Node, ref string, from graph.PortRef, synthesized map[string][]string) (graph.PortRef, error) {
	nodeName, portName := splitRef(ref)
	n, ok := ports[nodeName]
	if !ok {
		return graph.PortRef{}, fmt.Errorf("%w: link destination references unknown node %q", graph.ErrConfiguration, nodeName)
	}
	if portName != "" {
		return graph.PortRef{Node: nodeName, Port: portName}, nil
	}

	switch n.Kind {
	case graph.KindJQ, graph.KindTemplate:
		name := nodekind.DefaultInputName(from.Node, from.Port)
		synthesized[nodeName] = append(synthesized[nodeName], name)
		n.InputPorts = append(n.InputPorts, name)
		return graph.PortRef{Node: nodeName, Port: name}, nil
	default:
		if len(n.InputPorts) != 1 {
			return graph.PortRef{}, fmt.Errorf("%w: link destination %q must name one of node %q's input ports", graph.ErrConfiguration, ref, nodeName)
		}
		return graph.PortRef{Node: nodeName, Port: n.InputPorts[0]}, nil
	}
}

func splitRef(ref string) (node, port string) {
	if idx := strings.IndexByte(ref, '.'); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}
