// Package host specifies the interface DataKit's engine uses to talk to
// the embedding proxy runtime: phase-scoped access to the request and
// response exchange, and an asynchronous HTTP sub-dispatch primitive.
// pkg/hostsim provides one concrete implementation for local serving and
// tests.
package host

import (
	"context"
	"time"

	"github.com/datakit/datakit/pkg/value"
)

// Exchange is the host's view of one proxied request/response pair: the
// live state the engine binds its four implicit nodes to.
type Exchange interface {
	// RequestHeaders returns the inbound client request's headers.
	RequestHeaders() *value.Headers
	// RequestBody returns the inbound client request's buffered body.
	RequestBody() []byte

	// SetServiceRequestHeaders overrides the headers the host will send
	// upstream, when the service_request sink fires.
	SetServiceRequestHeaders(h *value.Headers)
	// SetServiceRequestBody overrides the body the host will send
	// upstream, when the service_request sink fires.
	SetServiceRequestBody(body []byte, contentType string)

	// ServiceResponseHeaders returns the upstream response's headers.
	ServiceResponseHeaders() *value.Headers
	// ServiceResponseBody returns the upstream response's buffered body.
	ServiceResponseBody() []byte

	// SetResponseStatus overrides the status code sent to the client.
	// Only exit and the trace overlay call this; the response sink never
	// does, since it declares no status port.
	SetResponseStatus(status int)
	// SetResponseHeaders overrides the headers sent to the client, when
	// the response sink fires, exit short-circuits, or tracing finalizes.
	SetResponseHeaders(h *value.Headers)
	// SetResponseBody overrides the body sent to the client.
	SetResponseBody(body []byte, contentType string)

	// Dispatch issues an async HTTP sub-request: it returns a correlation
	// id immediately, and the host later delivers the outcome through the
	// engine's OnDispatchResponse.
	Dispatch(ctx context.Context, method, url string, headers *value.Headers, body []byte, timeout time.Duration) (correlationID string, err error)

	// Log is the host's logging primitive.
	Log(level, msg string, fields map[string]any)
}
