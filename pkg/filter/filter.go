// Package filter is the thin glue between the host proxy's phase
// callbacks and the engine: it owns the per-request decision to enable
// the trace overlay, forwards each phase to the matching engine entry
// point, and finalizes the outgoing response when the run settles.
package filter

import (
	"context"
	"log/slog"

	"github.com/datakit/datakit/pkg/engine"
	"github.com/datakit/datakit/pkg/host"
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/trace"
)

// Action tells the host what to do after a phase callback returns.
type Action int

const (
	// Continue lets the exchange proceed to the next phase.
	Continue Action = iota
	// ShortCircuit tells the host to skip the upstream dispatch (or stop
	// forwarding the proxied response) and send the filter's response.
	ShortCircuit
)

// Filter drives one request's engine run from the host's five hook
// points.
type Filter struct {
	exec *engine.Execution
}

// New binds a compiled configuration to a live exchange. The trace
// overlay turns on when the configuration forces it or the incoming
// request carries an enabling debug header.
func New(compiled *engine.Compiled, ex host.Exchange, logger *slog.Logger, opts ...engine.Option) *Filter {
	headerValue, _ := ex.RequestHeaders().Get(trace.HeaderName)
	tracing := compiled.Debug || trace.Enabled(headerValue)
	return &Filter{exec: engine.NewExecution(compiled, ex, logger, tracing, opts...)}
}

// Execution exposes the underlying engine run, for hosts that need to
// inspect node state or outstanding dispatches.
func (f *Filter) Execution() *engine.Execution { return f.exec }

// OnRequestHeaders handles the request-headers phase.
func (f *Filter) OnRequestHeaders(ctx context.Context) (Action, error) {
	return action(f.exec.OnRequestHeaders(ctx))
}

// OnRequestBody handles the buffered request-body phase.
func (f *Filter) OnRequestBody(ctx context.Context) (Action, error) {
	return action(f.exec.OnRequestBody(ctx))
}

// OnResponseHeaders handles the response-headers phase.
func (f *Filter) OnResponseHeaders(ctx context.Context) (Action, error) {
	return action(f.exec.OnResponseHeaders(ctx))
}

// OnResponseBody handles the buffered response-body phase.
func (f *Filter) OnResponseBody(ctx context.Context) (Action, error) {
	return action(f.exec.OnResponseBody(ctx))
}

// OnDispatchResponse handles the HTTP-dispatch-response callback for a
// previously issued sub-request.
func (f *Filter) OnDispatchResponse(ctx context.Context, correlationID string, resp nodekind.DispatchResponse) (Action, error) {
	return action(f.exec.OnDispatchResponse(ctx, correlationID, resp))
}

// Outstanding reports how many sub-dispatches are still in flight.
func (f *Filter) Outstanding() int { return f.exec.Outstanding() }

// Finalize writes the settled outgoing response through the host. Call it
// once: after the response-body phase, or as soon as a phase reports
// ShortCircuit with no dispatches outstanding.
func (f *Filter) Finalize(ctx context.Context) { f.exec.Finalize(ctx) }

func action(shortCircuit bool, err error) (Action, error) {
	if shortCircuit {
		return ShortCircuit, err
	}
	return Continue, err
}
