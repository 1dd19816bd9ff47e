package exit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusDefault(t *testing.T) {
	f := NewFactory()
	n, err := f.BuildNode("stop", map[string]any{})
	require.NoError(t, err)
	inst, err := f.NewInstance(n)
	require.NoError(t, err)
	assert.Equal(t, 200, inst.(*Node).Status())
}

func TestConfiguredStatus(t *testing.T) {
	f := NewFactory()
	n, err := f.BuildNode("stop", map[string]any{"status": 403})
	require.NoError(t, err)
	inst, err := f.NewInstance(n)
	require.NoError(t, err)
	assert.Equal(t, 403, inst.(*Node).Status())
}

func TestExecutePublishesNothing(t *testing.T) {
	f := NewFactory()
	n, err := f.BuildNode("stop", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, n.OutputPorts)

	inst, err := f.NewInstance(n)
	require.NoError(t, err)
	outputs, err := inst.(*Node).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}
