package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/host"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/otelhelper"
	"github.com/datakit/datakit/pkg/trace"
	"github.com/datakit/datakit/pkg/value"
)

// statusNode is implemented by node runtime instances that carry a
// configured short-circuit status (only pkg/nodes/exit.Node) without
// the engine needing to import that package directly.
type statusNode interface {
	Status() int
}

// Execution is one request's run of a Compiled configuration: the
// per-request port and node state the scheduler mutates as phases fire
// and dispatches resume. It is safe for concurrent use:
// OnDispatchResponse may be called from multiple goroutines when several
// call nodes are outstanding at once, so state mutation is serialized
// with a single mutex.
type Execution struct {
	mu sync.Mutex

	compiled  *Compiled
	host      host.Exchange
	logger    *slog.Logger
	tracer    *trace.Recorder
	otel      oteltrace.Tracer
	instances map[string]any

	portState map[graph.PortRef]PortState
	portValue map[graph.PortRef]value.V
	nodeState map[string]NodeState

	nodeInputs  map[string]map[string]value.V
	nodeStarted map[string]time.Time
	pendingCall map[string]string // correlation id -> node id

	responsePhase bool

	exitFired       bool
	exitStatus      int
	exitHeaders     *value.Headers
	exitBody        []byte
	exitContentType string
}

// Option configures an Execution at construction time.
type Option func(*Execution)

// WithTracer attaches an OpenTelemetry tracer; every node execution then
// runs under its own span.
func WithTracer(t oteltrace.Tracer) Option {
	return func(e *Execution) { e.otel = t }
}

// NewExecution starts a new request run against compiled, bound to the
// live exchange h. When tracingEnabled, every node completion is recorded
// and Finalize serializes the run as the response body.
func NewExecution(compiled *Compiled, h host.Exchange, logger *slog.Logger, tracingEnabled bool, opts ...Option) *Execution {
	if logger == nil {
		logger = slog.Default()
	}

	instances := maps.Clone(compiled.Instances)
	if instances == nil {
		instances = make(map[string]any)
	}
	instances[graph.NodeServiceRequest] = &serviceRequestNode{host: h}
	instances[graph.NodeResponse] = &responseNode{host: h}

	var rec *trace.Recorder
	if tracingEnabled {
		rec = trace.NewRecorder()
	}

	nodeState := make(map[string]NodeState, len(compiled.Graph.Order()))
	for _, id := range compiled.Graph.Order() {
		nodeState[id] = NodePending
	}

	e := &Execution{
		compiled:    compiled,
		host:        h,
		logger:      logger,
		tracer:      rec,
		instances:   instances,
		portState:   make(map[graph.PortRef]PortState),
		portValue:   make(map[graph.PortRef]value.V),
		nodeState:   nodeState,
		nodeInputs:  make(map[string]map[string]value.V),
		nodeStarted: make(map[string]time.Time),
		pendingCall: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShortCircuited reports whether an exit node has fired.
func (e *Execution) ShortCircuited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitFired
}

// Outstanding reports how many call nodes are currently suspended
// awaiting a host dispatch response.
func (e *Execution) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingCall)
}

// NodeStatus returns a node's current lifecycle state.
func (e *Execution) NodeStatus(nodeID string) NodeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeState[nodeID]
}

// OnRequestHeaders publishes the request node's headers output and drains
// every node that becomes ready as a result.
func (e *Execution) OnRequestHeaders(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.publishSource(graph.NodeRequest, "headers", e.host.RequestHeaders().ToValue())
	return e.afterDrain(ctx)
}

// OnRequestBody publishes the request node's body output, decoding only
// if some node actually reads it, and drains.
func (e *Execution) OnRequestBody(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw := e.host.RequestBody()
	contentType, _ := e.host.RequestHeaders().Get("Content-Type")
	e.publishBodySource(graph.NodeRequest, raw, contentType)
	e.finishImplicitSource(graph.NodeRequest)
	return e.afterDrain(ctx)
}

// OnResponseHeaders publishes the service_response node's headers output
// and drains. A no-op once exit has already fired.
func (e *Execution) OnResponseHeaders(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.responsePhase = true
	if e.exitFired {
		return true, nil
	}
	e.publishSource(graph.NodeServiceResponse, "headers", e.host.ServiceResponseHeaders().ToValue())
	return e.afterDrain(ctx)
}

// OnResponseBody publishes the service_response node's body output and
// drains. A no-op once exit has already fired.
func (e *Execution) OnResponseBody(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.responsePhase = true
	if e.exitFired {
		return true, nil
	}
	raw := e.host.ServiceResponseBody()
	contentType, _ := e.host.ServiceResponseHeaders().Get("Content-Type")
	e.publishBodySource(graph.NodeServiceResponse, raw, contentType)
	e.finishImplicitSource(graph.NodeServiceResponse)
	return e.afterDrain(ctx)
}

// OnDispatchResponse resumes a suspended call node with the host's
// dispatch outcome and drains whatever becomes ready as a result.
func (e *Execution) OnDispatchResponse(ctx context.Context, correlationID string, resp nodekind.DispatchResponse) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodeID, ok := e.pendingCall[correlationID]
	if !ok {
		return e.exitFired, fmt.Errorf("engine: unknown dispatch correlation id %q", correlationID)
	}
	delete(e.pendingCall, correlationID)

	n, ok := e.compiled.Graph.Node(nodeID)
	if !ok {
		return e.exitFired, fmt.Errorf("engine: dispatch resumed unknown node %q", nodeID)
	}
	inputs := e.nodeInputs[nodeID]
	startedAt := e.nodeStarted[nodeID]

	async, ok := e.instances[nodeID].(nodekind.AsyncNode)
	if !ok {
		return e.exitFired, fmt.Errorf("engine: node %q is not an async node", nodeID)
	}

	spanCtx, span := e.startNodeSpan(ctx, n)
	outputs, err := async.Resume(spanCtx, inputs, resp)
	e.endNodeSpan(span, err)
	if err != nil {
		e.fail(n, inputs, nil, startedAt, err)
	} else {
		e.complete(n, inputs, outputs, startedAt)
	}

	return e.afterDrain(ctx)
}

// Finalize computes the outgoing response once the run has settled (at
// either a short-circuit decision or after the response-body phase) and
// writes it through the host. Tracing, when enabled, always wins for the
// body; a fired exit's status is used whether or not tracing is active
// (with tracing and no exit, the status is 200).
func (e *Execution) Finalize(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.tracer != nil:
		status := 200
		if e.exitFired {
			status = e.exitStatus
		}
		e.host.SetResponseStatus(status)
		e.host.SetResponseHeaders(value.NewHeaders())
		e.host.SetResponseBody(e.tracer.Render(e.compiled.Graph), "application/json")
	case e.exitFired:
		e.host.SetResponseStatus(e.exitStatus)
		if e.exitHeaders != nil {
			e.host.SetResponseHeaders(e.exitHeaders)
		}
		if e.exitBody != nil {
			e.host.SetResponseBody(e.exitBody, e.exitContentType)
		}
	}
}

// afterDrain runs drain to a fixpoint and reports whether exit has fired.
// Callers must hold e.mu.
func (e *Execution) afterDrain(ctx context.Context) (bool, error) {
	if err := e.drain(ctx); err != nil {
		return e.exitFired, err
	}
	return e.exitFired, nil
}

// drain fires every node whose inputs are Ready until no further progress
// is possible within this wave. Async nodes suspend it rather than
// completing it; the implicit sources are driven by the phase methods,
// not by drain, and the response sink holds until the response phase even
// when its inputs settle earlier.
func (e *Execution) drain(ctx context.Context) error {
	for {
		progressed := false
		for _, id := range e.compiled.Graph.Order() {
			if id == graph.NodeRequest || id == graph.NodeServiceResponse {
				continue
			}
			if id == graph.NodeResponse && !e.responsePhase {
				continue
			}
			if e.nodeState[id] != NodePending {
				continue
			}

			n, ok := e.compiled.Graph.Node(id)
			if !ok {
				continue
			}

			ready, neverPort := e.checkReadiness(n)
			if neverPort != "" {
				e.skip(n)
				progressed = true
				continue
			}
			if !ready {
				continue
			}

			if err := e.fire(ctx, n); err != nil {
				return err
			}
			progressed = true

			if e.exitFired {
				e.skipRemaining()
				return nil
			}
		}
		if !progressed {
			return nil
		}
	}
}

// checkReadiness reports whether every linked input port of n is Ready,
// and the first input port found Never, if any. Input ports with no
// inbound link never receive a value and do not hold the node back; kinds
// with optional inputs (call, exit, the implicit sinks) simply see those
// ports absent from their input map.
func (e *Execution) checkReadiness(n *graph.Node) (ready bool, neverPort string) {
	ready = true
	for _, port := range n.InputPorts {
		ref := graph.PortRef{Node: n.ID, Port: port}
		if _, linked := e.compiled.Graph.Provider(ref); !linked {
			continue
		}
		switch e.portState[ref] {
		case PortReady:
			continue
		case PortNever:
			return false, port
		default:
			ready = false
		}
	}
	return ready, ""
}

// fire executes or starts n. Callers must hold e.mu.
func (e *Execution) fire(ctx context.Context, n *graph.Node) error {
	inputs := e.collectInputs(n)
	e.nodeState[n.ID] = NodeRunning
	startedAt := time.Now()

	instance := e.instances[n.ID]
	switch impl := instance.(type) {
	case nodekind.AsyncNode:
		req, err := impl.Start(ctx, inputs)
		if err != nil {
			e.fail(n, inputs, nil, startedAt, err)
			return nil
		}
		correlationID, err := e.host.Dispatch(ctx, req.Method, req.URL, req.Headers, req.Body, req.Timeout)
		if err != nil {
			e.fail(n, inputs, nil, startedAt, fmt.Errorf("%w: %v", nodekind.ErrDispatch, err))
			return nil
		}
		e.pendingCall[correlationID] = n.ID
		e.nodeInputs[n.ID] = inputs
		e.nodeStarted[n.ID] = startedAt
		return nil
	case nodekind.SyncNode:
		spanCtx, span := e.startNodeSpan(ctx, n)
		outputs, err := impl.Execute(spanCtx, inputs)
		e.endNodeSpan(span, err)
		if err != nil {
			e.fail(n, inputs, outputs, startedAt, err)
			return nil
		}
		e.complete(n, inputs, outputs, startedAt)
		if n.Kind == graph.KindExit {
			e.triggerExit(instance, inputs)
		}
		return nil
	default:
		return fmt.Errorf("engine: node %q instance implements neither SyncNode nor AsyncNode", n.ID)
	}
}

func (e *Execution) startNodeSpan(ctx context.Context, n *graph.Node) (context.Context, oteltrace.Span) {
	if e.otel == nil {
		return ctx, nil
	}
	return otelhelper.StartSpan(ctx, e.otel, "datakit.node",
		attribute.String(otelhelper.NodeIDKey, n.ID),
		attribute.String(otelhelper.NodeKindKey, string(n.Kind)),
	)
}

func (e *Execution) endNodeSpan(span oteltrace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		otelhelper.SetError(span, err)
	}
	span.End()
}

func (e *Execution) collectInputs(n *graph.Node) map[string]value.V {
	inputs := make(map[string]value.V, len(n.InputPorts))
	for _, port := range n.InputPorts {
		ref := graph.PortRef{Node: n.ID, Port: port}
		if e.portState[ref] == PortReady {
			inputs[port] = e.portValue[ref]
		}
	}
	return inputs
}

func (e *Execution) complete(n *graph.Node, inputs, outputs map[string]value.V, startedAt time.Time) {
	e.nodeState[n.ID] = NodeDone
	for _, port := range n.OutputPorts {
		ref := graph.PortRef{Node: n.ID, Port: port}
		if v, ok := outputs[port]; ok {
			e.portState[ref] = PortReady
			e.portValue[ref] = v
		} else {
			e.portState[ref] = PortNever
			e.propagateNever(ref)
		}
	}
	if e.tracer != nil {
		e.tracer.Record(trace.Event{
			Node:       n.ID,
			Kind:       string(n.Kind),
			Inputs:     inputs,
			Outputs:    outputs,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Status:     "done",
		})
	}
}

func (e *Execution) fail(n *graph.Node, inputs, outputs map[string]value.V, startedAt time.Time, err error) {
	e.nodeState[n.ID] = NodeFailed
	for _, port := range n.OutputPorts {
		ref := graph.PortRef{Node: n.ID, Port: port}
		e.portState[ref] = PortNever
		e.propagateNever(ref)
	}
	e.logger.Warn("node execution failed", "node", n.ID, "kind", string(n.Kind), "error", err)
	if e.tracer != nil {
		e.tracer.Record(trace.Event{
			Node:       n.ID,
			Kind:       string(n.Kind),
			Inputs:     inputs,
			Outputs:    outputs,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Status:     "failed",
			Error:      err.Error(),
		})
	}
}

func (e *Execution) skip(n *graph.Node) {
	e.nodeState[n.ID] = NodeSkipped
	for _, port := range n.OutputPorts {
		ref := graph.PortRef{Node: n.ID, Port: port}
		e.portState[ref] = PortNever
		e.propagateNever(ref)
	}
	if e.tracer != nil {
		e.tracer.Record(trace.Event{Node: n.ID, Kind: string(n.Kind), Status: "skipped"})
	}
}

func (e *Execution) skipRemaining() {
	for _, id := range e.compiled.Graph.Order() {
		if id == graph.NodeRequest || id == graph.NodeServiceResponse {
			continue
		}
		if e.nodeState[id] != NodePending {
			continue
		}
		n, ok := e.compiled.Graph.Node(id)
		if !ok {
			continue
		}
		e.nodeState[id] = NodeSkipped
		if e.tracer != nil {
			e.tracer.Record(trace.Event{Node: id, Kind: string(n.Kind), Status: "skipped"})
		}
	}
}

func (e *Execution) propagateNever(ref graph.PortRef) {
	for _, dep := range e.compiled.Graph.Dependents(ref) {
		e.portState[dep] = PortNever
	}
}

func (e *Execution) triggerExit(instance any, inputs map[string]value.V) {
	e.exitFired = true
	if sn, ok := instance.(statusNode); ok {
		e.exitStatus = sn.Status()
	} else {
		e.exitStatus = 200
	}
	e.exitHeaders = value.NewHeaders()
	if hv, ok := inputs["headers"]; ok {
		e.exitHeaders = value.HeadersFromValue(hv)
	}
	if bv, ok := inputs["body"]; ok {
		encoded, ct, err := value.EncodeBody(bv, "")
		if err == nil {
			e.exitBody, e.exitContentType = encoded, ct
		}
	}
}

func (e *Execution) publishSource(nodeID, port string, v value.V) {
	ref := graph.PortRef{Node: nodeID, Port: port}
	if e.portState[ref] == PortReady {
		return
	}
	e.portState[ref] = PortReady
	e.portValue[ref] = v
}

// publishBodySource keeps passthrough cheap: when no node reads a
// source's body output, the bytes stay wrapped as Raw rather than being
// parsed.
func (e *Execution) publishBodySource(nodeID string, raw []byte, contentType string) {
	ref := graph.PortRef{Node: nodeID, Port: "body"}
	if len(e.compiled.Graph.Dependents(ref)) == 0 {
		e.publishSource(nodeID, "body", value.Raw(raw, contentType))
		return
	}
	decoded, err := value.DecodeBody(raw, contentType)
	if err != nil {
		e.logger.Warn("body coercion failed, falling back to raw", "node", nodeID, "error", err)
	}
	e.publishSource(nodeID, "body", decoded)
}

// finishImplicitSource marks an implicit source node Done once both of
// its output ports have been published. The source nodes publish across
// two phase calls, so their trace record is emitted once rather than per
// phase.
func (e *Execution) finishImplicitSource(nodeID string) {
	e.nodeState[nodeID] = NodeDone
	if e.tracer == nil {
		return
	}
	n, ok := e.compiled.Graph.Node(nodeID)
	if !ok {
		return
	}
	outputs := make(map[string]value.V, len(n.OutputPorts))
	for _, port := range n.OutputPorts {
		ref := graph.PortRef{Node: nodeID, Port: port}
		if e.portState[ref] == PortReady {
			outputs[port] = e.portValue[ref]
		}
	}
	e.tracer.Record(trace.Event{
		Node:       nodeID,
		Kind:       string(n.Kind),
		Outputs:    outputs,
		FinishedAt: time.Now(),
		Status:     "done",
	})
}
