package graph

// Kind identifies which node kind a node instance runs as. The four
// implicit kinds are namespaced so they can never collide with a
// registered user kind.
type Kind string

const (
	KindCall     Kind = "call"
	KindJQ       Kind = "jq"
	KindTemplate Kind = "template"
	KindExit     Kind = "exit"

	KindImplicitRequest         Kind = "implicit:request"
	KindImplicitServiceRequest  Kind = "implicit:service_request"
	KindImplicitServiceResponse Kind = "implicit:service_response"
	KindImplicitResponse        Kind = "implicit:response"
)

// Node is the static, per-configuration description of a graph node:
// id, kind, immutable attributes, and its declared port sets.
type Node struct {
	ID          string
	Kind        Kind
	Attributes  map[string]any
	InputPorts  []string
	OutputPorts []string
}

func (n *Node) HasInputPort(name string) bool {
	for _, p := range n.InputPorts {
		if p == name {
			return true
		}
	}
	return false
}

func (n *Node) HasOutputPort(name string) bool {
	for _, p := range n.OutputPorts {
		if p == name {
			return true
		}
	}
	return false
}
