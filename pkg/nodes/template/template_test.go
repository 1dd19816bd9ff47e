package template

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datakit/datakit/pkg/graph"
	"github.com/datakit/datakit/pkg/value"
)

func buildNode(t *testing.T, attrs map[string]any) *Node {
	t.Helper()
	f := NewFactory()
	n, err := f.BuildNode("tpl", attrs)
	require.NoError(t, err)
	inst, err := f.NewInstance(n)
	require.NoError(t, err)
	return inst.(*Node)
}

func TestExecuteRendersPlainText(t *testing.T) {
	node := buildNode(t, map[string]any{
		"template":    "hello {{.who}}",
		"input_names": []string{"who"},
	})

	outputs, err := node.Execute(context.Background(), map[string]value.V{
		"who": value.String("world"),
	})
	require.NoError(t, err)

	b, ct, ok := outputs[PortOutput].Raw()
	require.True(t, ok)
	assert.Equal(t, "hello world", string(b))
	assert.Equal(t, "text/plain", ct)
}

func TestExecuteParsesStructuredContentType(t *testing.T) {
	node := buildNode(t, map[string]any{
		"template":     `{"greeting": "hi {{.who}}"}`,
		"content_type": "application/json",
		"input_names":  []string{"who"},
	})

	outputs, err := node.Execute(context.Background(), map[string]value.V{
		"who": value.String("there"),
	})
	require.NoError(t, err)

	fields, ok := outputs[PortOutput].Object()
	require.True(t, ok)
	s, _ := fields["greeting"].String()
	assert.Equal(t, "hi there", s)
}

func TestExecuteRejectsInvalidStructuredOutput(t *testing.T) {
	node := buildNode(t, map[string]any{
		"template":     `{{.who}} is not json`,
		"content_type": "application/json",
		"input_names":  []string{"who"},
	})

	_, err := node.Execute(context.Background(), map[string]value.V{
		"who": value.String("this"),
	})
	require.Error(t, err)
}

func TestBuildNodeRejectsBadTemplate(t *testing.T) {
	_, err := NewFactory().BuildNode("tpl", map[string]any{
		"template": "{{.unclosed",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrConfiguration))
}

func TestBuildNodeDeclaresSingleOutput(t *testing.T) {
	n, err := NewFactory().BuildNode("tpl", map[string]any{"template": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{PortOutput}, n.OutputPorts)
}
