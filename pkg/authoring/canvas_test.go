package authoring

import (
	"testing"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"id": "intro", "type": "send_email", "position_x": 0, "position_y": 0, "email": {"email_type": "intro"}},
			{"id": "check", "type": "condition", "position_y": 100, "delay_days": 3, "condition": {"condition_type": "email_opened"}}
		],
		"connections": [
			{"source_port": "intro:out", "target_port": "check:in"}
		]
	}`)

	canvas, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, canvas.Nodes, 2)
	assert.Equal(t, models.ActionCondition, canvas.Nodes[1].Type)
	assert.Equal(t, 3, canvas.Nodes[1].DelayDays)
	assert.Equal(t, "check:in", canvas.Connections[0].TargetPort)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"missing nodes":       `{"connections": []}`,
		"unknown action type": `{"nodes": [{"id": "a", "type": "call"}]}`,
		"negative delay":      `{"nodes": [{"id": "a", "type": "wait", "delay_days": -1}]}`,
		"bad port":            `{"nodes": [{"id": "a", "type": "wait"}], "connections": [{"source_port": "a:left", "target_port": "b:in"}]}`,
		"not json":            `{"nodes": [`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCanvas)
		})
	}
}

func TestParsePortID(t *testing.T) {
	node, port, ok := parsePortID("step:1:true")
	require.True(t, ok)
	assert.Equal(t, "step:1", node)
	assert.Equal(t, "true", port)

	for _, id := range []string{"", "node", ":in", "node:"} {
		_, _, ok := parsePortID(id)
		assert.False(t, ok, id)
	}
}
