package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_Count(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"ascii", "abcdefgh", 2},
		{"cjk", "你好世界啊哈", 4},
		{"mixed", "abcd你好你", 3},
	}
	e := NewEstimator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Count(tt.text))
		})
	}
	assert.Equal(t, "estimator", e.Name())
}

func TestEncodingForModel(t *testing.T) {
	assert.Equal(t, "o200k_base", EncodingForModel("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", EncodingForModel("gpt-4-turbo"))
	assert.Equal(t, "cl100k_base", EncodingForModel("gemini-1.5-pro"))
}

func TestTiktokenCounter_EmptyText(t *testing.T) {
	c := NewTiktokenCounter("gpt-4", nil)
	assert.Zero(t, c.Count(""))
}
