package nodekind

import (
	"fmt"

	"github.com/datakit/datakit/pkg/graph"
)

// StringAttr reads a required string attribute, returning a
// graph.ErrConfiguration-wrapped error when it is missing or the wrong
// type.
func StringAttr(attrs map[string]any, key string) (string, error) {
	v, ok := attrs[key]
	if !ok {
		return "", fmt.Errorf("%w: missing required attribute %q", graph.ErrConfiguration, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: attribute %q must be a string", graph.ErrConfiguration, key)
	}
	return s, nil
}

// StringAttrDefault reads an optional string attribute, falling back to
// def when absent or the wrong type.
func StringAttrDefault(attrs map[string]any, key, def string) string {
	v, ok := attrs[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// FloatAttrDefault reads an optional numeric attribute, accepting the
// float64/int shapes a JSON- or YAML-decoded document or a literal Go map
// can produce.
func FloatAttrDefault(attrs map[string]any, key string, def float64) float64 {
	v, ok := attrs[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return def
	}
}

// StringSliceAttr reads an optional string-list attribute, accepting both
// a literal []string (set by the config loader) and a []any (decoded
// straight from JSON/YAML).
func StringSliceAttr(attrs map[string]any, key string) []string {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	if raw, ok := v.([]string); ok {
		return raw
	}
	rawAny, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rawAny))
	for _, item := range rawAny {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
