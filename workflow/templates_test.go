package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/types"
)

const sampleTemplates = `
agents:
  - id: analyst
    identity: Mary
    role: Business Analyst
    principles: ["ask why"]
  - id: pm
    identity: John
    role: Product Manager
    complexity: high
workflows:
  discovery:
    - agent: analyst
      description: research the market
      timeout: 90s
    - agent: pm
      role: Product Owner
      description: write the PRD
`

func TestParseTemplates(t *testing.T) {
	p, err := ParseTemplates([]byte(sampleTemplates))
	require.NoError(t, err)
	assert.Equal(t, []string{"discovery"}, p.Templates())

	pm, err := p.GetAgent(context.Background(), "pm")
	require.NoError(t, err)
	assert.Equal(t, "John", pm.Identity)
	assert.Equal(t, "high", pm.Complexity)

	steps, err := p.GetSequence(context.Background(), "discovery")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "analyst", steps[0].AgentID)
	assert.Equal(t, 90*time.Second, steps[0].Timeout)
	assert.Equal(t, "Product Owner", steps[1].Role)

	_, err = p.GetSequence(context.Background(), "brownfield")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = p.GetAgent(context.Background(), "ghost")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestParseTemplates_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed yaml", "agents: [\n"},
		{"agent without id", "agents:\n  - role: x\n"},
		{"unknown agent", "agents:\n  - id: pm\nworkflows:\n  w:\n    - agent: ghost\n"},
		{"empty template", "agents:\n  - id: pm\nworkflows:\n  w: []\n"},
		{"blank agent", "agents:\n  - id: pm\nworkflows:\n  w:\n    - description: nobody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplates([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadTemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTemplates), 0o600))

	p, err := LoadTemplatesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"discovery"}, p.Templates())

	_, err = LoadTemplatesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateSequence(t *testing.T) {
	agents := testAgents()
	ctx := context.Background()

	steps, err := ValidateSequence(ctx, []Step{{AgentID: "pm"}, {AgentID: "dev", Role: "Backend"}}, agents)
	require.NoError(t, err)
	assert.Equal(t, "Product Manager", steps[0].Role)
	assert.Equal(t, "Backend", steps[1].Role)
	assert.Equal(t, 1, steps[1].Order)

	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"blank agent", []Step{{AgentID: "  "}}},
		{"unknown agent", []Step{{AgentID: "pm"}, {AgentID: "ghost"}}},
		{"negative timeout", []Step{{AgentID: "pm", Timeout: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSequence(ctx, tt.steps, agents)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrValidation))
		})
	}
}
