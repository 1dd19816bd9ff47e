package config_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"

	"github.com/datakit/datakit/pkg/config"
	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/registry"
)

const validYAML = `
nodes:
  - name: rewrite
    type: jq
    jq: '$request_body + {added: true}'
    output_names: [out]
links:
  - from: request.body
    to: rewrite
  - from: rewrite.out
    to: response.body
`

const validJSON = `{
  "nodes": [
    {"name": "rewrite", "type": "jq", "jq": "$request_body", "output_names": ["out"]}
  ],
  "links": [
    {"from": "request.body", "to": "rewrite"},
    {"from": "rewrite.out", "to": "response.body"}
  ]
}`

func TestLoadYAML(t *testing.T) {
	doc, err := config.Load([]byte(validYAML))
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, "rewrite", doc.Nodes[0].Name)
	assert.Equal(t, "jq", doc.Nodes[0].Type)
	assert.Equal(t, []string{"out"}, doc.Nodes[0].OutputNames)
	assert.Contains(t, doc.Nodes[0].Attributes, "jq")
	require.Len(t, doc.Links, 2)
}

func TestLoadJSON(t *testing.T) {
	doc, err := config.Load([]byte(validJSON))
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, "rewrite", doc.Nodes[0].Name)
}

func TestLoadRejectsUnknownType(t *testing.T) {
	_, err := config.Load([]byte(`
nodes:
  - name: x
    type: frobnicate
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidDocument))
}

func TestLoadRejectsMissingName(t *testing.T) {
	_, err := config.Load([]byte(`
nodes:
  - type: jq
    jq: '.'
    output_names: [out]
`))
	require.Error(t, err)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	_, err := config.Load([]byte(`{nodes: [}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidDocument))
}

func TestBuildResolvesLinksAndPorts(t *testing.T) {
	compiled, err := config.LoadAndBuild([]byte(validYAML), registry.Default())
	require.NoError(t, err)

	n, ok := compiled.Graph.Node("rewrite")
	require.True(t, ok)
	// The destination port was synthesized from the source endpoint.
	assert.Equal(t, []string{"request_body"}, n.InputPorts)
	assert.Equal(t, []string{"out"}, n.OutputPorts)

	provider, ok := compiled.Graph.Provider(graph.PortRef{Node: "rewrite", Port: "request_body"})
	require.True(t, ok)
	assert.Equal(t, graph.PortRef{Node: graph.NodeRequest, Port: "body"}, provider)
}

func TestBuildRejectsDoubleInboundLink(t *testing.T) {
	_, err := config.LoadAndBuild([]byte(`
nodes:
  - name: sink
    type: jq
    input_names: [in]
    jq: '$in'
    output_names: [out]
links:
  - from: request.body
    to: sink.in
  - from: request.headers
    to: sink.in
`), registry.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrConfiguration))
}

func TestBuildRejectsReservedNodeName(t *testing.T) {
	_, err := config.LoadAndBuild([]byte(`
nodes:
  - name: request
    type: jq
    jq: '.'
    output_names: [out]
`), registry.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrConfiguration))
}

func TestBuildRejectsBadQueryAtCompileTime(t *testing.T) {
	_, err := config.LoadAndBuild([]byte(`
nodes:
  - name: broken
    type: jq
    jq: '.[whoops'
    output_names: [out]
`), registry.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrConfiguration))
}

func TestBuildRejectsUnknownLinkEndpoint(t *testing.T) {
	_, err := config.LoadAndBuild([]byte(`
nodes:
  - name: a
    type: jq
    jq: '.'
    output_names: [out]
links:
  - from: a.out
    to: nowhere
`), registry.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrConfiguration))
}

func TestDebugFlagCarriesThrough(t *testing.T) {
	compiled, err := config.LoadAndBuild([]byte(`
debug: true
nodes:
  - name: rewrite
    type: jq
    jq: '.'
    output_names: [out]
`), registry.Default())
	require.NoError(t, err)
	assert.True(t, compiled.Debug)
}

// Schema duality: every document the positive schema accepts must be
// rejected by the negative schema, and vice versa.
func TestSchemaDuality(t *testing.T) {
	meta, err := config.LoadMeta()
	require.NoError(t, err)

	positive, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(meta.ConfigSchema))
	require.NoError(t, err)
	negative, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(meta.NegativeConfigSchema))
	require.NoError(t, err)

	samples := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"minimal", `{"nodes": []}`, true},
		{"full", validJSON, true},
		{"missing nodes", `{}`, false},
		{"node without type", `{"nodes": [{"name": "x"}]}`, false},
		{"unknown kind", `{"nodes": [{"name": "x", "type": "frobnicate"}]}`, false},
		{"bad identifier", `{"nodes": [{"name": "1bad", "type": "jq"}]}`, false},
		{"link missing to", `{"nodes": [], "links": [{"from": "a.b"}]}`, false},
	}

	for _, s := range samples {
		t.Run(s.name, func(t *testing.T) {
			loader := gojsonschema.NewStringLoader(s.doc)
			posResult, err := positive.Validate(loader)
			require.NoError(t, err)
			negResult, err := negative.Validate(gojsonschema.NewStringLoader(s.doc))
			require.NoError(t, err)

			assert.Equal(t, s.valid, posResult.Valid())
			assert.Equal(t, !s.valid, negResult.Valid())
		})
	}
}
