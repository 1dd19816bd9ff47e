// Package trace implements the execution-tracing overlay: per-node
// input/output/timing records that, when the debug header opts in,
// replace the outgoing response body with a JSON document describing the
// run.
package trace

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/value"
)

// HeaderName is the per-request debug opt-in header.
const HeaderName = "X-DataKit-Debug-Trace"

// Enabled reports whether a X-DataKit-Debug-Trace header value turns
// tracing on. Any value other than (case-insensitively) "", "0", "false",
// or "off" enables it.
func Enabled(headerValue string) bool {
	switch strings.ToLower(strings.TrimSpace(headerValue)) {
	case "", "0", "false", "off":
		return false
	default:
		return true
	}
}

// Event is one node-completion record.
type Event struct {
	Node       string             `json:"node"`
	Kind       string             `json:"kind"`
	Inputs     map[string]value.V `json:"inputs,omitempty"`
	Outputs    map[string]value.V `json:"outputs,omitempty"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
}

// Recorder accumulates events in node-completion order under a unique
// run id.
type Recorder struct {
	id     string
	events []Event
}

// NewRecorder returns an empty recorder with a fresh run id.
func NewRecorder() *Recorder { return &Recorder{id: uuid.NewString()} }

// ID returns the run id stamped into the rendered trace document.
func (r *Recorder) ID() string { return r.id }

// Record appends e to the run's event log.
func (r *Recorder) Record(e Event) {
	r.events = append(r.events, e)
}

type document struct {
	ID     string       `json:"id"`
	Nodes  []nodeDoc    `json:"nodes"`
	Links  []graph.Link `json:"links"`
	Events []Event      `json:"events"`
}

type nodeDoc struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	InputPorts  []string `json:"input_ports"`
	OutputPorts []string `json:"output_ports"`
}

// Render serializes the full trace document for graph g: its static node
// and link shape alongside the run's recorded events.
func (r *Recorder) Render(g *graph.Graph) []byte {
	doc := document{ID: r.id, Events: r.events}
	for _, id := range g.Order() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		doc.Nodes = append(doc.Nodes, nodeDoc{
			ID:          n.ID,
			Kind:        string(n.Kind),
			InputPorts:  n.InputPorts,
			OutputPorts: n.OutputPorts,
		})
	}
	doc.Links = g.Links()

	out, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"error":"trace render failed"}`)
	}
	return out
}
