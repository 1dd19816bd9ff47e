// Package registry resolves a configured node `type` to the
// nodekind.Factory that builds and instantiates it. The kind set is
// closed; Default registers all of it.
package registry

import (
	"github.com/datakit/datakit/pkg/nodekind"
	"github.com/datakit/datakit/pkg/nodes/call"
	"github.com/datakit/datakit/pkg/nodes/exit"
	"github.com/datakit/datakit/pkg/nodes/jq"
	"github.com/datakit/datakit/pkg/nodes/template"
)

// Registry maps a node's configured type to the factory that builds and
// instantiates it.
type Registry struct {
	factories map[string]nodekind.Factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]nodekind.Factory)}
}

// Register adds a factory, keyed by its own ID().
func (r *Registry) Register(f nodekind.Factory) {
	r.factories[f.ID()] = f
}

// Lookup resolves a configured node type to its factory.
func (r *Registry) Lookup(kind string) (nodekind.Factory, bool) {
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns every registered kind name.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Default builds a registry with every transformation node kind: call,
// jq, template, and exit.
func Default() *Registry {
	r := New()
	r.Register(call.NewFactory())
	r.Register(jq.NewFactory())
	r.Register(template.NewFactory())
	r.Register(exit.NewFactory())
	return r
}
