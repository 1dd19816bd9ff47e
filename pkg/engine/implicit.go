package engine

import (
	"context"
	"fmt"

	"github.com/datakit/datakit/pkg/host"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/value"
)

// serviceRequestNode is the implicit `service_request` sink: when ready
// in the request phase, its values are written to the upstream request
// before dispatch. It participates in the ordinary drain loop like any
// user SyncNode; only its Execute differs, writing to the host instead of
// publishing outputs.
type serviceRequestNode struct {
	host host.Exchange
}

func (n *serviceRequestNode) Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error) {
	if hv, ok := inputs["headers"]; ok {
		n.host.SetServiceRequestHeaders(value.HeadersFromValue(hv))
	}
	if bv, ok := inputs["body"]; ok {
		encoded, ct, err := value.EncodeBody(bv, "")
		if err != nil {
			return nil, fmt.Errorf("%w: encode service_request body: %v", nodekind.ErrEvaluation, err)
		}
		n.host.SetServiceRequestBody(encoded, ct)
	}
	return nil, nil
}

// responseNode is the implicit `response` sink: when ready in the
// response phase, its values become the outgoing response body/headers.
// It declares no status port; status is left to the proxied upstream
// response unless exit or the trace overlay overrides it.
type responseNode struct {
	host host.Exchange
}

func (n *responseNode) Execute(ctx context.Context, inputs map[string]value.V) (map[string]value.V, error) {
	if hv, ok := inputs["headers"]; ok {
		n.host.SetResponseHeaders(value.HeadersFromValue(hv))
	}
	if bv, ok := inputs["body"]; ok {
		encoded, ct, err := value.EncodeBody(bv, "")
		if err != nil {
			return nil, fmt.Errorf("%w: encode response body: %v", nodekind.ErrEvaluation, err)
		}
		n.host.SetResponseBody(encoded, ct)
	}
	return nil, nil
}
