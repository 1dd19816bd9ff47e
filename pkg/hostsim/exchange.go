// Package hostsim is a reference host for the engine: a net/http reverse
// proxy that implements the host.Exchange contract (phase callbacks,
// buffered header/body access, HTTP sub-dispatch) well enough to run
// full configurations end-to-end. It stands in for the embedding proxy
// runtime in local serving and tests; it is not a production proxy.
package hostsim

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datakit/datakit/pkg/value"
)

// pendingDispatch is one queued sub-request; the proxy performs queued
// dispatches between engine waves.
type pendingDispatch struct {
	correlationID string
	method        string
	url           string
	headers       *value.Headers
	body          []byte
	timeout       time.Duration
}

// Exchange holds one request's buffered exchange state and implements
// host.Exchange over it.
type Exchange struct {
	mu sync.Mutex

	logger *slog.Logger

	reqHeaders *value.Headers
	reqBody    []byte

	svcReqHeaders     *value.Headers
	svcReqBody        []byte
	svcReqContentType string
	svcReqBodySet     bool
	svcReqHeadersSet  bool

	svcRespHeaders *value.Headers
	svcRespBody    []byte

	respStatus      int
	respHeaders     *value.Headers
	respBody        []byte
	respContentType string
	respStatusSet   bool
	respHeadersSet  bool
	respBodySet     bool

	dispatchQueue []pendingDispatch
}

// NewExchange builds an exchange from the incoming request's headers and
// buffered body.
func NewExchange(reqHeaders *value.Headers, reqBody []byte, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		logger:         logger,
		reqHeaders:     reqHeaders,
		reqBody:        reqBody,
		svcRespHeaders: value.NewHeaders(),
	}
}

// HeadersFromHTTP converts net/http headers to the engine's multimap.
func HeadersFromHTTP(h http.Header) *value.Headers {
	out := value.NewHeaders()
	for name, vs := range h {
		for _, v := range vs {
			out.Add(name, v)
		}
	}
	return out
}

func (x *Exchange) RequestHeaders() *value.Headers { return x.reqHeaders }
func (x *Exchange) RequestBody() []byte            { return x.reqBody }

func (x *Exchange) SetServiceRequestHeaders(h *value.Headers) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.svcReqHeaders = h
	x.svcReqHeadersSet = true
}

func (x *Exchange) SetServiceRequestBody(body []byte, contentType string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.svcReqBody = body
	x.svcReqContentType = contentType
	x.svcReqBodySet = true
}

// SetServiceResponse records the upstream response before the response
// phases fire.
func (x *Exchange) SetServiceResponse(headers *value.Headers, body []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.svcRespHeaders = headers
	x.svcRespBody = body
}

func (x *Exchange) ServiceResponseHeaders() *value.Headers {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.svcRespHeaders
}

func (x *Exchange) ServiceResponseBody() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.svcRespBody
}

func (x *Exchange) SetResponseStatus(status int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.respStatus = status
	x.respStatusSet = true
}

func (x *Exchange) SetResponseHeaders(h *value.Headers) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.respHeaders = h
	x.respHeadersSet = true
}

func (x *Exchange) SetResponseBody(body []byte, contentType string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.respBody = body
	x.respContentType = contentType
	x.respBodySet = true
}

// Dispatch queues a sub-request and returns its correlation id. The proxy
// drains the queue between engine waves, performing each dispatch and
// delivering its outcome through the filter's dispatch-response callback.
func (x *Exchange) Dispatch(ctx context.Context, method, url string, headers *value.Headers, body []byte, timeout time.Duration) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := uuid.NewString()
	x.dispatchQueue = append(x.dispatchQueue, pendingDispatch{
		correlationID: id,
		method:        method,
		url:           url,
		headers:       headers,
		body:          body,
		timeout:       timeout,
	})
	return id, nil
}

// Log implements the host's logging primitive with slog.
func (x *Exchange) Log(level, msg string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch level {
	case "debug":
		x.logger.Debug(msg, attrs...)
	case "warn":
		x.logger.Warn(msg, attrs...)
	case "error":
		x.logger.Error(msg, attrs...)
	default:
		x.logger.Info(msg, attrs...)
	}
}

// takeDispatches pops every queued dispatch.
func (x *Exchange) takeDispatches() []pendingDispatch {
	x.mu.Lock()
	defer x.mu.Unlock()
	queue := x.dispatchQueue
	x.dispatchQueue = nil
	return queue
}
