package factory

import (
	"testing"

	"github.com/BaSui01/agentorch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Factory Tests
// =============================================================================

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ProviderConfig
		wantName string
	}{
		{"openai", config.ProviderConfig{Kind: "openai"}, "openai"},
		{"gemini", config.ProviderConfig{Name: "gemini-pro", Kind: "gemini"}, "gemini-pro"},
		{"kind from name", config.ProviderConfig{Name: "deepseek"}, "deepseek"},
		{"compatible with url", config.ProviderConfig{Name: "local", Kind: "openai-compatible", BaseURL: "http://localhost:8000"}, "local"},
		{"kind case insensitive", config.ProviderConfig{Kind: " Qwen "}, "qwen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(config.ProviderConfig{Kind: "openai-compatible"}, nil)
	assert.ErrorContains(t, err, "base_url is required")

	_, err = NewProvider(config.ProviderConfig{Kind: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unsupported provider kind")
}

func TestNewProviders(t *testing.T) {
	ps, err := NewProviders([]config.ProviderConfig{
		{Name: "gemini", Kind: "gemini", Priority: 1},
		{Name: "openai", Kind: "openai", Priority: 2},
	}, nil)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "gemini", ps[0].Provider.Name())
	assert.Equal(t, 1, ps[0].Priority)
	assert.Equal(t, 2, ps[1].Priority)

	_, err = NewProviders([]config.ProviderConfig{{Kind: "nope"}}, nil)
	assert.Error(t, err)
}

func TestSupportedKinds(t *testing.T) {
	kinds := SupportedKinds()
	assert.Contains(t, kinds, "gemini")
	assert.Contains(t, kinds, "openai")
	assert.IsNonDecreasing(t, kinds)
}
