package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/providers"
	"github.com/BaSui01/agentorch/llm/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(url string) *Provider {
	return New(Config{
		BaseConfig: providers.BaseConfig{
			Name:            "openai",
			APIKey:          "test-key",
			BaseURL:         url,
			Model:           "gpt-test",
			InputCostPer1K:  1.0,
			OutputCostPer1K: 2.0,
		},
	}, tokenizer.NewEstimator(), zap.NewNop())
}

// ---------------------------------------------------------------------------
// New() constructor
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil, nil)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, defaultBaseURL+defaultEndpoint, p.endpoint())
	assert.Equal(t, defaultTimeout, p.client.Timeout)
	assert.NotNil(t, p.counter)
}

func TestNew_CustomEndpoint(t *testing.T) {
	p := New(Config{
		BaseConfig:   providers.BaseConfig{Name: "deepseek", BaseURL: "https://api.deepseek.com/", Timeout: 5 * time.Second},
		EndpointPath: "/chat/completions",
	}, nil, nil)
	assert.Equal(t, "deepseek", p.Name())
	assert.Equal(t, "https://api.deepseek.com/chat/completions", p.endpoint())
	assert.Equal(t, 5*time.Second, p.client.Timeout)
}

// ---------------------------------------------------------------------------
// Invoke
// ---------------------------------------------------------------------------

func TestProvider_Invoke_Success(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "resp-1",
			"model": "gpt-test-0613",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hello!"}}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}
		}`)
	}))
	t.Cleanup(server.Close)

	p := newTestProvider(server.URL)
	res, err := p.Invoke(context.Background(), "Hi", llm.InvokeOptions{
		SystemPrompt: "You are a PM.",
		MaxTokens:    256,
		Temperature:  0.3,
		UserID:       "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", res.Content)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-test-0613", res.Model)
	assert.Equal(t, 1500, res.Usage.TotalTokens)
	assert.InDelta(t, 2.0, res.Usage.Cost, 1e-9)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	assert.Equal(t, "u1", got.User)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "Hi", got.Messages[1].Content)
}

func TestProvider_Invoke_EstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"abcdefgh"}}]}`)
	}))
	t.Cleanup(server.Close)

	res, err := newTestProvider(server.URL).Invoke(context.Background(), "abcd", llm.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Usage.PromptTokens)
	assert.Equal(t, 2, res.Usage.CompletionTokens)
	assert.Equal(t, 3, res.Usage.TotalTokens)
	assert.Equal(t, "gpt-test", res.Model)
}

func TestProvider_Invoke_HTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       llm.ErrorCategory
	}{
		{"401 unauthorized", http.StatusUnauthorized, `{"error":{"message":"invalid key","type":"auth"}}`, llm.CategoryFatal},
		{"429 rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, llm.CategoryTransient},
		{"429 quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`, llm.CategoryQuotaExceeded},
		{"500 server error", http.StatusInternalServerError, `{"error":{"message":"oops"}}`, llm.CategoryTransient},
		{"400 bad request", http.StatusBadRequest, `not json`, llm.CategoryFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(server.Close)

			_, err := newTestProvider(server.URL).Invoke(context.Background(), "Hi", llm.InvokeOptions{})
			require.Error(t, err)

			var pe *llm.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.want, pe.Category)
			assert.Equal(t, tt.statusCode, pe.StatusCode)
			assert.Equal(t, "openai", pe.Provider)
		})
	}
}

func TestProvider_Invoke_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	t.Cleanup(server.Close)

	_, err := newTestProvider(server.URL).Invoke(context.Background(), "Hi", llm.InvokeOptions{})
	require.Error(t, err)
	assert.Equal(t, llm.CategoryTransient, llm.Categorize(err))
}

func TestProvider_Invoke_TransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestProvider(url).Invoke(context.Background(), "Hi", llm.InvokeOptions{})
	require.Error(t, err)
	assert.Equal(t, llm.CategoryTransient, llm.Categorize(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestProvider(url).Invoke(ctx, "Hi", llm.InvokeOptions{})
	require.Error(t, err)
	assert.Equal(t, llm.CategoryFatal, llm.Categorize(err))
}

func TestProvider_CustomHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "test-key", r.Header.Get("api-key"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	t.Cleanup(server.Close)

	p := New(Config{
		BaseConfig: providers.BaseConfig{Name: "azure", APIKey: "test-key", BaseURL: server.URL},
		BuildHeaders: func(req *http.Request, apiKey string) {
			req.Header.Set("api-key", apiKey)
		},
	}, tokenizer.NewEstimator(), nil)

	res, err := p.Invoke(context.Background(), "Hi", llm.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "azure", res.Provider)
}
