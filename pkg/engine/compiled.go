// Package engine implements DataKit's availability-driven scheduler: the
// per-request execution loop that drains ready nodes, suspends on
// outstanding call dispatches, and resumes from host callbacks.
package engine

import (
	"fmt"

	"github.com/datakit/datakit/pkg/graph"
)

// Compiled is a built configuration: the static graph plus the shared,
// stateless runtime instances for every non-implicit node. One Compiled
// is built per configuration and reused read-only across every request
// it serves.
type Compiled struct {
	Graph     *graph.Graph
	Instances map[string]any

	// Debug forces the trace overlay on for every request served by this
	// configuration, independent of the per-request debug header.
	Debug bool
}

// NewCompiled validates that every non-implicit node in g has a matching
// runtime instance and returns the Compiled configuration.
func NewCompiled(g *graph.Graph, instances map[string]any) (*Compiled, error) {
	for _, id := range g.Order() {
		if graph.IsReservedName(id) {
			continue
		}
		if _, ok := instances[id]; !ok {
			return nil, fmt.Errorf("%w: no runtime instance for node %q", graph.ErrConfiguration, id)
		}
	}
	return &Compiled{Graph: g, Instances: instances}, nil
}
