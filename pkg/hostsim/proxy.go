package hostsim

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/moogar0880/problems"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/datakit/datakit/pkg/engine"
	"github.com/datakit/datakit/pkg/filter"
	"github.com/datakit/datakit/pkg/nodekind"
)

// Proxy is an http.Handler that runs the filter around a proxied
// upstream: request phases, optional upstream forward, response phases,
// finalization. A Proxy built from a broken configuration stays inert and
// answers every request with a 500 problem document.
type Proxy struct {
	compiled *engine.Compiled
	buildErr error
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
	tracer   oteltrace.Tracer
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithClient overrides the HTTP client used for the upstream forward and
// for sub-dispatches.
func WithClient(c *http.Client) ProxyOption {
	return func(p *Proxy) { p.client = c }
}

// WithOTel attaches an OpenTelemetry tracer; node executions then run
// under spans.
func WithOTel(t oteltrace.Tracer) ProxyOption {
	return func(p *Proxy) { p.tracer = t }
}

// NewProxy builds a proxy for compiled, forwarding to upstream. Pass the
// configuration build error as buildErr to get an inert proxy that
// reports it.
func NewProxy(compiled *engine.Compiled, buildErr error, upstream *url.URL, logger *slog.Logger, opts ...ProxyOption) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		compiled: compiled,
		buildErr: buildErr,
		upstream: upstream,
		client:   http.DefaultClient,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.buildErr != nil {
		p.writeProblem(w, r, p.buildErr)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeProblem(w, r, err)
		return
	}

	ex := NewExchange(HeadersFromHTTP(r.Header), body, p.logger)
	var fopts []engine.Option
	if p.tracer != nil {
		fopts = append(fopts, engine.WithTracer(p.tracer))
	}
	f := filter.New(p.compiled, ex, p.logger, fopts...)
	ctx := r.Context()

	if p.runRequestPhases(ctx, f, ex) {
		f.Finalize(ctx)
		p.writeResponse(w, ex, http.StatusOK)
		return
	}

	upstreamStatus, ok := p.forward(ctx, r, ex)
	if !ok {
		p.writeProblem(w, r, errUpstreamUnreachable)
		return
	}

	p.runResponsePhases(ctx, f, ex)
	f.Finalize(ctx)
	p.writeResponse(w, ex, upstreamStatus)
}

// runRequestPhases drives the request-headers and request-body phases,
// draining queued sub-dispatches after each. It reports whether the run
// short-circuited before the upstream was contacted.
func (p *Proxy) runRequestPhases(ctx context.Context, f *filter.Filter, ex *Exchange) bool {
	if act, err := f.OnRequestHeaders(ctx); err != nil {
		p.logger.Warn("request headers phase failed", "error", err)
	} else if act == filter.ShortCircuit {
		return true
	}
	if p.drainDispatches(ctx, f, ex) {
		return true
	}

	if act, err := f.OnRequestBody(ctx); err != nil {
		p.logger.Warn("request body phase failed", "error", err)
	} else if act == filter.ShortCircuit {
		return true
	}
	return p.drainDispatches(ctx, f, ex)
}

func (p *Proxy) runResponsePhases(ctx context.Context, f *filter.Filter, ex *Exchange) {
	if _, err := f.OnResponseHeaders(ctx); err != nil {
		p.logger.Warn("response headers phase failed", "error", err)
	}
	p.drainDispatches(ctx, f, ex)

	if _, err := f.OnResponseBody(ctx); err != nil {
		p.logger.Warn("response body phase failed", "error", err)
	}
	p.drainDispatches(ctx, f, ex)
}

// drainDispatches performs queued sub-requests until none remain,
// delivering each outcome through the filter. Dispatches queued in the
// same wave run concurrently; resumptions may queue more, hence the
// outer loop. Reports whether a resumption short-circuited the run.
func (p *Proxy) drainDispatches(ctx context.Context, f *filter.Filter, ex *Exchange) bool {
	shortCircuited := false
	for {
		queue := ex.takeDispatches()
		if len(queue) == 0 {
			return shortCircuited
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, d := range queue {
			wg.Add(1)
			go func(d pendingDispatch) {
				defer wg.Done()
				resp := p.performDispatch(ctx, d)
				act, err := f.OnDispatchResponse(ctx, d.correlationID, resp)
				if err != nil {
					p.logger.Warn("dispatch resumption failed", "error", err)
				}
				if act == filter.ShortCircuit {
					mu.Lock()
					shortCircuited = true
					mu.Unlock()
				}
			}(d)
		}
		wg.Wait()
	}
}

func (p *Proxy) performDispatch(ctx context.Context, d pendingDispatch) nodekind.DispatchResponse {
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, d.method, d.url, bytes.NewReader(d.body))
	if err != nil {
		return nodekind.DispatchResponse{Err: err}
	}
	if d.headers != nil {
		for _, name := range d.headers.Names() {
			for _, v := range d.headers.Values(name) {
				req.Header.Add(name, v)
			}
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nodekind.DispatchResponse{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nodekind.DispatchResponse{Err: err}
	}

	return nodekind.DispatchResponse{
		StatusCode: resp.StatusCode,
		Headers:    HeadersFromHTTP(resp.Header),
		Body:       respBody,
	}
}

// forward sends the (possibly rewritten) upstream request and records the
// upstream response on the exchange. Returns the upstream status and
// whether the forward succeeded.
func (p *Proxy) forward(ctx context.Context, r *http.Request, ex *Exchange) (int, bool) {
	target := *p.upstream
	target.Path = singleJoin(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	body := ex.reqBody
	if ex.svcReqBodySet {
		body = ex.svcReqBody
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		p.logger.Error("building upstream request failed", "error", err)
		return 0, false
	}

	headers := ex.reqHeaders
	if ex.svcReqHeadersSet {
		headers = ex.svcReqHeaders
	}
	for _, name := range headers.Names() {
		for _, v := range headers.Values(name) {
			req.Header.Add(name, v)
		}
	}
	if ex.svcReqBodySet {
		req.Header.Set("Content-Type", ex.svcReqContentType)
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		req.ContentLength = int64(len(body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("upstream request failed", "error", err)
		return 0, false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Error("reading upstream response failed", "error", err)
		return 0, false
	}

	ex.SetServiceResponse(HeadersFromHTTP(resp.Header), respBody)
	return resp.StatusCode, true
}

// writeResponse sends the settled exchange to the client. Engine
// overrides win over the proxied upstream values.
func (p *Proxy) writeResponse(w http.ResponseWriter, ex *Exchange, upstreamStatus int) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	headers := ex.svcRespHeaders
	if ex.respHeadersSet {
		headers = ex.respHeaders
	}
	if headers != nil {
		for _, name := range headers.Names() {
			if name == "content-length" {
				continue
			}
			for _, v := range headers.Values(name) {
				w.Header().Add(name, v)
			}
		}
	}

	body := ex.svcRespBody
	if ex.respBodySet {
		body = ex.respBody
		if ex.respContentType != "" {
			w.Header().Set("Content-Type", ex.respContentType)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	status := upstreamStatus
	if ex.respStatusSet {
		status = ex.respStatus
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type proxyError string

func (e proxyError) Error() string { return string(e) }

const errUpstreamUnreachable = proxyError("upstream unreachable")

func (p *Proxy) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	problem := problems.NewStatusProblem(http.StatusInternalServerError).
		WithInstance(r.URL.Path).
		WithType("filter_error").
		WithDetail(err.Error())

	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(problem)
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	default:
		return a + b
	}
}
