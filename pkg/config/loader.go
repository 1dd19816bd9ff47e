package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed datakit.meta.json
var metaJSON []byte

// Meta is the published schema document: the positive config schema plus
// its negative counterpart (the logical `not` of the positive schema with
// identical $schema and definitions), both draft-04.
type Meta struct {
	ConfigSchema         json.RawMessage `json:"config_schema"`
	NegativeConfigSchema json.RawMessage `json:"negative_config_schema"`
}

// LoadMeta parses the embedded datakit.meta.json.
func LoadMeta() (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(metaJSON, &m); err != nil {
		return nil, fmt.Errorf("parse embedded schema document: %w", err)
	}
	return &m, nil
}

var (
	schemaOnce   sync.Once
	configSchema *gojsonschema.Schema
	schemaErr    error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		meta, err := LoadMeta()
		if err != nil {
			schemaErr = err
			return
		}
		configSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(meta.ConfigSchema))
	})
	return configSchema, schemaErr
}

var validate = validator.New()

// Load decodes a configuration document from JSON or YAML bytes, checks it
// against the published schema, and struct-validates the result. Format
// detection is by decode: YAML is a superset of JSON, so documents are
// normalized through a YAML decode into a generic tree and re-encoded as
// JSON for the schema check and the final struct decode, giving both
// formats one validation path.
func Load(raw []byte) (*Document, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	normalized, err := json.Marshal(normalizeTree(tree))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(normalized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, firstSchemaError(result))
	}

	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return &doc, nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	errs := result.Errors()
	if len(errs) == 0 {
		return "document does not match the config schema"
	}
	return errs[0].String()
}

// normalizeTree rewrites a yaml.v3 generic tree into the map[string]any
// shape encoding/json produces, so one document type serves both formats.
// yaml.v3 already yields string-keyed maps for string keys; non-string
// keys (legal YAML, illegal JSON) are stringified.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeTree(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprintf("%v", k)] = normalizeTree(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeTree(item)
		}
		return out
	default:
		return t
	}
}
