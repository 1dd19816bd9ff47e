package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datakit/datakit/pkg/config"
	"github.com/datakit/datakit/pkg/engine"
	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/registry"
	"github.com/datakit/datakit/pkg/value"
)

type fakeDispatch struct {
	id      string
	method  string
	url     string
	headers *value.Headers
	body    []byte
	timeout time.Duration
}

// fakeExchange implements host.Exchange over in-memory state. Dispatches
// are recorded; the test resumes them explicitly.
type fakeExchange struct {
	reqHeaders *value.Headers
	reqBody    []byte

	svcRespHeaders *value.Headers
	svcRespBody    []byte

	svcReqHeaders *value.Headers
	svcReqBody    []byte
	svcReqCT      string

	respStatus  int
	respHeaders *value.Headers
	respBody    []byte
	respCT      string

	dispatches []fakeDispatch
	nextID     int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		reqHeaders:     value.NewHeaders(),
		svcRespHeaders: value.NewHeaders(),
	}
}

func (f *fakeExchange) RequestHeaders() *value.Headers { return f.reqHeaders }
func (f *fakeExchange) RequestBody() []byte            { return f.reqBody }

func (f *fakeExchange) SetServiceRequestHeaders(h *value.Headers) { f.svcReqHeaders = h }
func (f *fakeExchange) SetServiceRequestBody(b []byte, ct string) {
	f.svcReqBody, f.svcReqCT = b, ct
}

func (f *fakeExchange) ServiceResponseHeaders() *value.Headers { return f.svcRespHeaders }
func (f *fakeExchange) ServiceResponseBody() []byte            { return f.svcRespBody }

func (f *fakeExchange) SetResponseStatus(status int)        { f.respStatus = status }
func (f *fakeExchange) SetResponseHeaders(h *value.Headers) { f.respHeaders = h }
func (f *fakeExchange) SetResponseBody(b []byte, ct string) { f.respBody, f.respCT = b, ct }

func (f *fakeExchange) Dispatch(_ context.Context, method, url string, headers *value.Headers, body []byte, timeout time.Duration) (string, error) {
	f.nextID++
	id := fmt.Sprintf("d%d", f.nextID)
	f.dispatches = append(f.dispatches, fakeDispatch{
		id: id, method: method, url: url, headers: headers, body: body, timeout: timeout,
	})
	return id, nil
}

func (f *fakeExchange) Log(string, string, map[string]any) {}

func compile(t *testing.T, doc string) *engine.Compiled {
	t.Helper()
	compiled, err := config.LoadAndBuild([]byte(doc), registry.Default())
	require.NoError(t, err)
	return compiled
}

func runRequestPhases(t *testing.T, exec *engine.Execution) bool {
	t.Helper()
	ctx := context.Background()
	exited, err := exec.OnRequestHeaders(ctx)
	require.NoError(t, err)
	if exited {
		return true
	}
	exited, err = exec.OnRequestBody(ctx)
	require.NoError(t, err)
	return exited
}

func runResponsePhases(t *testing.T, exec *engine.Execution) {
	t.Helper()
	ctx := context.Background()
	_, err := exec.OnResponseHeaders(ctx)
	require.NoError(t, err)
	_, err = exec.OnResponseBody(ctx)
	require.NoError(t, err)
}

const rewriteConfig = `
nodes:
  - name: rewrite
    type: jq
    jq: '$request_body + {added: true}'
    output_names: [out]
links:
  - from: request.body
    to: rewrite
  - from: rewrite.out
    to: response.body
`

func TestJSONPassthroughRewrite(t *testing.T) {
	compiled := compile(t, rewriteConfig)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"a":1}`)

	exec := engine.NewExecution(compiled, ex, nil, false)
	exited := runRequestPhases(t, exec)
	assert.False(t, exited)

	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.Equal(t, "application/json", ex.respCT)
	assert.JSONEq(t, `{"a":1,"added":true}`, string(ex.respBody))
}

func TestEarlyExit(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: deny_body
    type: jq
    jq: '"denied"'
    output_names: [out]
  - name: deny
    type: exit
    status: 403
links:
  - from: deny_body.out
    to: deny.body
`)

	ex := newFakeExchange()
	exec := engine.NewExecution(compiled, ex, nil, false)

	exited, err := exec.OnRequestHeaders(context.Background())
	require.NoError(t, err)
	assert.True(t, exited)
	assert.True(t, exec.ShortCircuited())

	exec.Finalize(context.Background())
	assert.Equal(t, 403, ex.respStatus)
	assert.Equal(t, "denied", string(ex.respBody))
	assert.Equal(t, "text/plain", ex.respCT)
	// Nothing was dispatched and the response sink never ran.
	assert.Empty(t, ex.dispatches)
	assert.Equal(t, engine.NodeSkipped, exec.NodeStatus(graph.NodeResponse))
}

func TestSubCallEnrichment(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: fetch
    type: call
    url: http://svc/info
  - name: merge
    type: jq
    jq: '$request_body + $fetch_body'
    output_names: [out]
links:
  - from: request.body
    to: merge
  - from: fetch.body
    to: merge
  - from: merge.out
    to: response.body
`)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"y":2}`)

	exec := engine.NewExecution(compiled, ex, nil, false)
	exited := runRequestPhases(t, exec)
	assert.False(t, exited)

	require.Len(t, ex.dispatches, 1)
	d := ex.dispatches[0]
	assert.Equal(t, "GET", d.method)
	assert.Equal(t, "http://svc/info", d.url)
	assert.Equal(t, 60*time.Second, d.timeout)
	assert.Equal(t, 1, exec.Outstanding())

	respHeaders := value.NewHeaders()
	respHeaders.Set("Content-Type", "application/json")
	_, err := exec.OnDispatchResponse(context.Background(), d.id, nodekind.DispatchResponse{
		StatusCode: 200,
		Headers:    respHeaders,
		Body:       []byte(`{"x":10}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, exec.Outstanding())

	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.JSONEq(t, `{"y":2,"x":10}`, string(ex.respBody))
}

func TestDispatchErrorSkipsDownstream(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: fetch
    type: call
    url: http://svc/info
  - name: consume
    type: jq
    jq: '$fetch_body'
    output_names: [out]
links:
  - from: fetch.body
    to: consume
  - from: consume.out
    to: response.body
`)

	ex := newFakeExchange()
	ex.svcRespBody = []byte("upstream")

	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)
	require.Len(t, ex.dispatches, 1)

	_, err := exec.OnDispatchResponse(context.Background(), ex.dispatches[0].id, nodekind.DispatchResponse{
		Err: fmt.Errorf("connection refused"),
	})
	require.NoError(t, err)

	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.Equal(t, engine.NodeFailed, exec.NodeStatus("fetch"))
	assert.Equal(t, engine.NodeSkipped, exec.NodeStatus("consume"))
	// The proxied response passes through untouched.
	assert.Nil(t, ex.respBody)
}

func TestSkipPropagationOnUnderProducedOutputs(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: split
    type: jq
    jq: '{only: 1}'
    output_names: [a, b]
  - name: use_a
    type: jq
    input_names: [a]
    jq: '$a'
    output_names: [out]
  - name: use_b
    type: jq
    input_names: [b]
    jq: '$b'
    output_names: [out]
links:
  - from: split.a
    to: use_a.a
  - from: split.b
    to: use_b.b
  - from: use_a.out
    to: response.body
`)

	ex := newFakeExchange()
	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)

	assert.Equal(t, engine.NodeDone, exec.NodeStatus("split"))
	assert.Equal(t, engine.NodeDone, exec.NodeStatus("use_a"))
	assert.Equal(t, engine.NodeSkipped, exec.NodeStatus("use_b"))
}

func TestTraceOverlayReplacesBody(t *testing.T) {
	compiled := compile(t, rewriteConfig)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"a":1}`)

	exec := engine.NewExecution(compiled, ex, nil, true)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.Equal(t, "application/json", ex.respCT)
	assert.Equal(t, 200, ex.respStatus)

	var doc struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
		Links  []graph.Link `json:"links"`
		Events []struct {
			Node    string             `json:"node"`
			Status  string             `json:"status"`
			Inputs  map[string]any     `json:"inputs"`
			Outputs map[string]any     `json:"outputs"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(ex.respBody, &doc))
	require.Len(t, doc.Links, 2)

	seen := make(map[string]bool)
	for _, e := range doc.Events {
		seen[e.Node] = true
		if e.Node == "rewrite" {
			assert.Equal(t, "done", e.Status)
			assert.Contains(t, e.Inputs, "request_body")
			assert.Contains(t, e.Outputs, "out")
		}
	}
	assert.True(t, seen[graph.NodeRequest])
	assert.True(t, seen["rewrite"])
	assert.True(t, seen[graph.NodeResponse])
}

func TestTraceDisabledKeepsOriginalBody(t *testing.T) {
	compiled := compile(t, rewriteConfig)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"a":1}`)

	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.JSONEq(t, `{"a":1,"added":true}`, string(ex.respBody))
}

func TestTraceKeepsExitStatus(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: deny
    type: exit
    status: 403
`)

	ex := newFakeExchange()
	exec := engine.NewExecution(compiled, ex, nil, true)
	exited, err := exec.OnRequestHeaders(context.Background())
	require.NoError(t, err)
	assert.True(t, exited)

	exec.Finalize(context.Background())
	assert.Equal(t, 403, ex.respStatus)
	assert.Equal(t, "application/json", ex.respCT)
	assert.Contains(t, string(ex.respBody), `"events"`)
}

func TestHeaderMultimapThroughJQ(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: cookies
    type: jq
    input_names: [headers]
    jq: '$headers["set-cookie"]'
    output_names: [out]
links:
  - from: request.headers
    to: cookies.headers
  - from: cookies.out
    to: response.body
`)

	ex := newFakeExchange()
	ex.reqHeaders.Add("Set-Cookie", "a=1")
	ex.reqHeaders.Add("Set-Cookie", "b=2")

	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.JSONEq(t, `["a=1","b=2"]`, string(ex.respBody))
}

func TestServiceRequestRewrite(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: stamp
    type: jq
    jq: '$request_body + {stamped: true}'
    output_names: [out]
links:
  - from: request.body
    to: stamp
  - from: stamp.out
    to: service_request.body
`)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"a":1}`)

	exec := engine.NewExecution(compiled, ex, nil, false)
	exited := runRequestPhases(t, exec)
	assert.False(t, exited)

	assert.JSONEq(t, `{"a":1,"stamped":true}`, string(ex.svcReqBody))
	assert.Equal(t, "application/json", ex.svcReqCT)
}

func TestResponseSinkWaitsForResponsePhase(t *testing.T) {
	compiled := compile(t, rewriteConfig)

	ex := newFakeExchange()
	ex.reqHeaders.Set("Content-Type", "application/json")
	ex.reqBody = []byte(`{"a":1}`)

	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)

	// The rewrite ran in the request phase, but the outgoing response is
	// only written once the response phase fires.
	assert.Equal(t, engine.NodeDone, exec.NodeStatus("rewrite"))
	assert.Equal(t, engine.NodePending, exec.NodeStatus(graph.NodeResponse))
	assert.Nil(t, ex.respBody)

	runResponsePhases(t, exec)
	assert.Equal(t, engine.NodeDone, exec.NodeStatus(graph.NodeResponse))
	assert.JSONEq(t, `{"a":1,"added":true}`, string(ex.respBody))
}

func TestEvaluationErrorIsNotFatal(t *testing.T) {
	compiled := compile(t, `
nodes:
  - name: boom
    type: jq
    jq: 'error("boom")'
    output_names: [out]
links:
  - from: boom.out
    to: response.body
`)

	ex := newFakeExchange()
	ex.svcRespBody = []byte("upstream")

	exec := engine.NewExecution(compiled, ex, nil, false)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)
	exec.Finalize(context.Background())

	assert.Equal(t, engine.NodeFailed, exec.NodeStatus("boom"))
	assert.Equal(t, engine.NodeSkipped, exec.NodeStatus(graph.NodeResponse))
	assert.Nil(t, ex.respBody)
}

// countingNode counts how many times the scheduler invokes it.
type countingNode struct {
	runs int
}

func (c *countingNode) Execute(context.Context, map[string]value.V) (map[string]value.V, error) {
	c.runs++
	return map[string]value.V{"out": value.Bool(true)}, nil
}

func TestEachNodeFiresAtMostOnce(t *testing.T) {
	nodes := append(graph.ImplicitNodes(), &graph.Node{
		ID:          "once",
		Kind:        graph.KindJQ,
		InputPorts:  []string{"h"},
		OutputPorts: []string{"out"},
	})
	links := []graph.Link{
		{ID: "l1", From: graph.PortRef{Node: graph.NodeRequest, Port: "headers"}, To: graph.PortRef{Node: "once", Port: "h"}},
		{ID: "l2", From: graph.PortRef{Node: "once", Port: "out"}, To: graph.PortRef{Node: graph.NodeResponse, Port: "body"}},
	}
	g, err := graph.Build(nodes, links)
	require.NoError(t, err)

	counter := &countingNode{}
	compiled, err := engine.NewCompiled(g, map[string]any{"once": counter})
	require.NoError(t, err)

	ex := newFakeExchange()
	exec := engine.NewExecution(compiled, ex, nil, false)

	// Repeated phase callbacks must not re-fire a completed node.
	runRequestPhases(t, exec)
	runRequestPhases(t, exec)
	runResponsePhases(t, exec)
	runResponsePhases(t, exec)

	assert.Equal(t, 1, counter.runs)
	assert.Equal(t, engine.NodeDone, exec.NodeStatus("once"))
}

func TestIdempotentRuns(t *testing.T) {
	run := func() []byte {
		compiled := compile(t, rewriteConfig)
		ex := newFakeExchange()
		ex.reqHeaders.Set("Content-Type", "application/json")
		ex.reqBody = []byte(`{"a":1}`)
		exec := engine.NewExecution(compiled, ex, nil, false)
		runRequestPhases(t, exec)
		runResponsePhases(t, exec)
		exec.Finalize(context.Background())
		return ex.respBody
	}

	assert.Equal(t, run(), run())
}
