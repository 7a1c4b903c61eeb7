package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/tokenizer"
	"github.com/stretchr/testify/assert"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   llm.ErrorCategory
	}{
		{http.StatusUnauthorized, "bad key", llm.CategoryFatal},
		{http.StatusPaymentRequired, "", llm.CategoryQuotaExceeded},
		{http.StatusTooManyRequests, "slow down", llm.CategoryTransient},
		{http.StatusTooManyRequests, "insufficient credit", llm.CategoryQuotaExceeded},
		{http.StatusBadRequest, "billing hard limit reached", llm.CategoryQuotaExceeded},
		{http.StatusBadGateway, "", llm.CategoryTransient},
		{529, "overloaded", llm.CategoryTransient},
	}
	for _, tt := range tests {
		err := MapHTTPError(tt.status, tt.msg, "p")
		assert.Equal(t, tt.want, err.Category, "status %d msg %q", tt.status, tt.msg)
		assert.Equal(t, "p", err.Provider)
		assert.Equal(t, tt.status, err.StatusCode)
	}
}

func TestTransportError(t *testing.T) {
	assert.Equal(t, llm.CategoryTransient, TransportError("p", errors.New("connection refused")).Category)
	assert.Equal(t, llm.CategoryFatal, TransportError("p", context.Canceled).Category)
	assert.ErrorIs(t, TransportError("p", context.Canceled), context.Canceled)
}

func TestReadErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"openai shape", `{"error":{"message":"bad","type":"invalid_request_error"}}`, "bad (type: invalid_request_error)"},
		{"gemini shape", `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, "quota (type: RESOURCE_EXHAUSTED)"},
		{"message only", `{"error":{"message":"plain"}}`, "plain"},
		{"raw text", "  upstream down \n", "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReadErrorMessage(strings.NewReader(tt.body)))
		})
	}
}

func TestFillUsage(t *testing.T) {
	cfg := BaseConfig{InputCostPer1K: 1, OutputCostPer1K: 3}

	u := llm.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}
	FillUsage(&u, cfg, tokenizer.NewEstimator(), "ignored", "ignored")
	assert.Equal(t, 2000, u.TotalTokens)
	assert.InDelta(t, 4.0, u.Cost, 1e-9)

	u = llm.Usage{}
	FillUsage(&u, cfg, tokenizer.NewEstimator(), "abcd", "abcdefgh")
	assert.Equal(t, 1, u.PromptTokens)
	assert.Equal(t, 2, u.CompletionTokens)
	assert.Equal(t, 3, u.TotalTokens)
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.ProviderConfig{
		Name: "gemini", Kind: "gemini", APIKey: "k", Model: "m", InputCostPer1K: 0.1,
	})
	assert.Equal(t, "gemini", cfg.Name)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "m", cfg.Model)
	assert.Equal(t, 0.1, cfg.InputCostPer1K)
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "a", ChooseModel("a", "b", "c"))
	assert.Equal(t, "b", ChooseModel("", "b", "c"))
	assert.Equal(t, "c", ChooseModel("", "", "c"))
}
