package graph

import "fmt"

// Graph is the static, per-configuration dataflow graph: nodes plus
// links, and the adjacency lookups the scheduler needs at constant time.
// Built once per configuration and reused read-only across requests.
type Graph struct {
	nodes      map[string]*Node
	order      []string
	links      []Link
	provider   map[PortRef]PortRef
	dependents map[PortRef][]PortRef
}

// Build validates the graph's structural invariants and materializes the
// adjacency. Node declaration order is preserved for the scheduler's
// deterministic tie-breaking.
func Build(nodes []*Node, links []Link) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Node, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		links:      append([]Link(nil), links...),
		provider:   make(map[PortRef]PortRef),
		dependents: make(map[PortRef][]PortRef),
	}

	implicitSeen := make(map[string]bool)

	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrConfiguration, n.ID)
		}

		isImplicit := isImplicitKind(n.Kind)
		if IsReservedName(n.ID) {
			if !isImplicit {
				return nil, fmt.Errorf("%w: node %q uses a reserved implicit name", ErrConfiguration, n.ID)
			}
			if implicitSeen[n.ID] {
				return nil, fmt.Errorf("%w: implicit node %q declared more than once", ErrConfiguration, n.ID)
			}
			implicitSeen[n.ID] = true
		} else if isImplicit {
			return nil, fmt.Errorf("%w: implicit node kind %q must use its reserved id", ErrConfiguration, n.Kind)
		}

		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	seenInbound := make(map[PortRef]bool)

	for _, l := range g.links {
		fromNode, ok := g.nodes[l.From.Node]
		if !ok {
			return nil, fmt.Errorf("%w: link %q references unknown source node %q", ErrConfiguration, l.ID, l.From.Node)
		}
		if !fromNode.HasOutputPort(l.From.Port) {
			return nil, fmt.Errorf("%w: link %q source port %s.%s does not exist", ErrConfiguration, l.ID, l.From.Node, l.From.Port)
		}

		toNode, ok := g.nodes[l.To.Node]
		if !ok {
			return nil, fmt.Errorf("%w: link %q references unknown destination node %q", ErrConfiguration, l.ID, l.To.Node)
		}
		if !toNode.HasInputPort(l.To.Port) {
			return nil, fmt.Errorf("%w: link %q destination port %s.%s does not exist", ErrConfiguration, l.ID, l.To.Node, l.To.Port)
		}

		if seenInbound[l.To] {
			return nil, fmt.Errorf("%w: input port %s.%s has more than one inbound link", ErrConfiguration, l.To.Node, l.To.Port)
		}
		seenInbound[l.To] = true

		g.provider[l.To] = l.From
		g.dependents[l.From] = append(g.dependents[l.From], l.To)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

func isImplicitKind(k Kind) bool {
	switch k {
	case KindImplicitRequest, KindImplicitServiceRequest, KindImplicitServiceResponse, KindImplicitResponse:
		return true
	default:
		return false
	}
}

// checkAcyclic validates acyclicity on the link graph directly, not a
// node-pair projection: service_request and service_response only appear
// to connect phases at the node level, but service_request has only
// inputs and service_response only outputs, so no cycle exists on the
// link graph itself.
func (g *Graph) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))

	var visit func(nodeID string) error
	visit = func(nodeID string) error {
		switch state[nodeID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: data-dependency cycle detected at node %q", ErrConfiguration, nodeID)
		}
		state[nodeID] = visiting
		n := g.nodes[nodeID]
		for _, port := range n.OutputPorts {
			for _, dst := range g.dependents[PortRef{Node: nodeID, Port: port}] {
				if err := visit(dst.Node); err != nil {
					return err
				}
			}
		}
		state[nodeID] = done
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns node ids in declaration order, used for the scheduler's
// deterministic tie-breaking.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Links returns every link in declaration order.
func (g *Graph) Links() []Link {
	return append([]Link(nil), g.links...)
}

// Provider returns the single output port feeding an input port, if any.
func (g *Graph) Provider(input PortRef) (PortRef, bool) {
	p, ok := g.provider[input]
	return p, ok
}

// Dependents returns the input ports fed by an output port.
func (g *Graph) Dependents(output PortRef) []PortRef {
	return append([]PortRef(nil), g.dependents[output]...)
}
