// Package nodekind defines the behavioral contract every node kind
// implements (`call`, `jq`, `template`, `exit`, and the implicit kinds):
// synchronous execution for kinds that run to completion within a wave,
// and the suspend/resume protocol for kinds that wait on the host.
package nodekind

import (
	"context"
	"time"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/value"
)

// SyncNode is implemented by node kinds that run to completion within a
// single scheduler wave: jq, template, exit, and the implicit nodes.
type SyncNode interface {
	// Execute receives the values present on every Ready input port and
	// returns the values to publish on output ports. Outputs omitted from
	// the map are treated as unpublished and skip their consumers.
	Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error)
}

// AsyncNode is implemented by node kinds that suspend the scheduler and
// resume later from a host callback: only `call`.
type AsyncNode interface {
	// Start is invoked when the node becomes ready. It returns the
	// dispatch request the host should perform; the scheduler does not
	// consider the node Done until Resume is called with the host's
	// response.
	Start(ctx context.Context, inputs map[string]value.V) (DispatchRequest, error)

	// Resume is invoked by the engine's HTTP-dispatch-response callback
	// once the host has a response (or a dispatch error) for a previously
	// started call.
	Resume(ctx context.Context, inputs map[string]value.V, resp DispatchResponse) (map[string]value.V, error)
}

// DispatchRequest is what a call node asks the host to perform. The
// correlation id is assigned by the host at dispatch time, not here.
type DispatchRequest struct {
	Method  string
	URL     string
	Headers *value.Headers
	Body    []byte
	Timeout time.Duration
}

// DispatchResponse is what the host hands back on the
// HTTP-dispatch-response callback. Err is set on transport failure or
// timeout; StatusCode/Headers/Body are meaningful only when Err is nil.
type DispatchResponse struct {
	StatusCode int
	Headers    *value.Headers
	Body       []byte
	Err        error
}

// Factory constructs node instances for a given graph node and exposes the
// kind's metadata, mirroring protocol.NodeFactory's ID/Name/Description/
// Schema, plus BuildNode which both validates attributes (configuration
// error on failure) and derives the node's port sets: some kinds declare
// fixed ports, others (jq, template) derive them from user configuration.
type Factory interface {
	ID() string
	Name() string
	Description() string
	Schema() map[string]any

	// BuildNode validates attrs and returns the graph.Node (with its
	// InputPorts/OutputPorts populated) to hand to graph.Build.
	BuildNode(id string, attrs map[string]any) (*graph.Node, error)

	// NewInstance constructs the runtime behavior for a built node. The
	// returned value implements SyncNode or AsyncNode.
	NewInstance(node *graph.Node) (any, error)
}
