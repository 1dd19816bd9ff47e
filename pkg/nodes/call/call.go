// Package call implements the `call` node kind: an HTTP sub-dispatch
// issued through the host, suspending the scheduler until the response
// arrives. The node never performs the dispatch itself; it only shapes
// the request and interprets the outcome. The transport belongs to the
// host.
package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/value"
)

const (
	PortBody    = "body"
	PortHeaders = "headers"

	defaultMethod  = "GET"
	defaultTimeout = 60.0
)

// Factory builds and instantiates call nodes.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) ID() string   { return "call" }
func (f *Factory) Name() string { return "Call" }

func (f *Factory) Description() string {
	return "Issues an HTTP sub-request through the host and suspends until the response arrives."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL of the sub-request to dispatch",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method",
				"default":     defaultMethod,
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Dispatch timeout in seconds",
				"default":     defaultTimeout,
				"minimum":     1,
			},
		},
		"required": []string{"url"},
	}
}

func (f *Factory) BuildNode(id string, attrs map[string]any) (*graph.Node, error) {
	url, err := nodekind.StringAttr(attrs, "url")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: call node %q has an empty url", graph.ErrConfiguration, id)
	}
	return &graph.Node{
		ID:          id,
		Kind:        graph.KindCall,
		Attributes:  attrs,
		InputPorts:  []string{PortBody, PortHeaders},
		OutputPorts: []string{PortBody, PortHeaders},
	}, nil
}

func (f *Factory) NewInstance(node *graph.Node) (any, error) {
	url, err := nodekind.StringAttr(node.Attributes, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(nodekind.StringAttrDefault(node.Attributes, "method", defaultMethod))
	timeoutSeconds := nodekind.FloatAttrDefault(node.Attributes, "timeout", defaultTimeout)
	return &Node{
		url:     url,
		method:  method,
		timeout: time.Duration(timeoutSeconds * float64(time.Second)),
	}, nil
}

// Node is the runtime call node instance, shared read-only across
// requests: it holds no per-request state, only its static configuration.
type Node struct {
	url     string
	method  string
	timeout time.Duration
}

// Start implements nodekind.AsyncNode. It builds the dispatch request
// from whatever is Ready on the body/headers input ports; both default to
// empty when unlinked.
func (n *Node) Start(ctx context.Context, inputs map[string]value.V) (nodekind.DispatchRequest, error) {
	var body []byte
	var contentType string
	if bv, ok := inputs[PortBody]; ok && !bv.IsNull() {
		encoded, ct, err := value.EncodeBody(bv, "")
		if err != nil {
			return nodekind.DispatchRequest{}, fmt.Errorf("%w: encode call body: %v", nodekind.ErrDispatch, err)
		}
		body, contentType = encoded, ct
	}

	headers := value.NewHeaders()
	if hv, ok := inputs[PortHeaders]; ok {
		headers = value.HeadersFromValue(hv)
	}
	if contentType != "" {
		if _, exists := headers.Get("Content-Type"); !exists {
			headers.Set("Content-Type", contentType)
		}
	}

	return nodekind.DispatchRequest{
		Method:  n.method,
		URL:     n.url,
		Headers: headers,
		Body:    body,
		Timeout: n.timeout,
	}, nil
}

// Resume implements nodekind.AsyncNode: it finalizes the node once the
// host delivers the dispatch outcome. Transport failure, timeout, and
// non-2xx status all surface as ErrDispatch.
func (n *Node) Resume(ctx context.Context, inputs map[string]value.V, resp nodekind.DispatchResponse) (map[string]value.V, error) {
	if resp.Err != nil {
		return nil, fmt.Errorf("%w: %v", nodekind.ErrDispatch, resp.Err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: upstream returned status %d", nodekind.ErrDispatch, resp.StatusCode)
	}

	headers := resp.Headers
	if headers == nil {
		headers = value.NewHeaders()
	}
	contentType, _ := headers.Get("Content-Type")
	bodyVal, _ := value.DecodeBody(resp.Body, contentType)

	return map[string]value.V{
		PortBody:    bodyVal,
		PortHeaders: headers.ToValue(),
	}, nil
}
