// Package template renders text/template sources for the `template` node
// kind, binding the node's named input ports as top-level template
// variables. The node kind, not this package, decides the output shape
// from the node's declared content_type.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Template wraps a parsed text/template, ready to render repeatedly
// against different input maps. Instances are shared read-only across
// requests.
type Template struct {
	tpl *template.Template
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"now": func() string { return time.Now().UTC().Format(time.RFC3339) },
	}
}

// Parse compiles src. Parse errors surface as configuration errors at
// graph-build time rather than at render time.
func Parse(src string) (*Template, error) {
	t, err := template.New("datakit").Funcs(funcs()).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Template{tpl: t}, nil
}

// Render executes the template against vars, returning the rendered text.
func (t *Template) Render(vars map[string]any) (string, error) {
	var buf strings.Builder
	if err := t.tpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
