package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/internal/tlsutil"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/providers"
	"github.com/BaSui01/agentorch/llm/tokenizer"
	"go.uber.org/zap"
)

const (
	defaultBaseURL  = "https://api.openai.com"
	defaultModel    = "gpt-4o-mini"
	defaultEndpoint = "/v1/chat/completions"
	defaultTimeout  = 60 * time.Second
)

// Config OpenAI 兼容 provider 配置.
type Config struct {
	providers.BaseConfig

	// EndpointPath 默认 "/v1/chat/completions"
	EndpointPath string

	// BuildHeaders 可选，覆盖默认的 "Authorization: Bearer <key>"
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider 是 OpenAI 兼容接口的 adapter.
type Provider struct {
	cfg     Config
	client  *http.Client
	counter tokenizer.Counter
	logger  *zap.Logger
}

// New 创建 adapter. counter 为 nil 时按模型选择 tiktoken 计数器.
func New(cfg Config, counter tokenizer.Counter, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokenizer.NewTiktokenCounter(providers.ChooseModel("", cfg.Model, defaultModel), logger)
	}
	return &Provider{
		cfg:     cfg,
		client:  tlsutil.HTTPClient(cfg.Timeout),
		counter: counter,
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

// Name 返回 provider 名称.
func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, p.cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Invoke 执行一次非流式 chat completion.
func (p *Provider) Invoke(ctx context.Context, prompt string, opts llm.InvokeOptions) (*llm.Result, error) {
	start := time.Now()
	model := providers.ChooseModel(opts.Model, p.cfg.Model, defaultModel)

	body := chatRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		User:        opts.UserID,
	}
	if opts.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		p.logger.Debug("provider returned error",
			zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.DecodeError(p.Name(), err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, providers.DecodeError(p.Name(), fmt.Errorf("response has no choices"))
	}

	content := oaResp.Choices[0].Message.Content
	var usage llm.Usage
	if oaResp.Usage != nil {
		usage = llm.Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		}
	}
	providers.FillUsage(&usage, p.cfg.BaseConfig, p.counter, opts.SystemPrompt+prompt, content)

	if oaResp.Model != "" {
		model = oaResp.Model
	}
	return &llm.Result{
		Content:  content,
		Provider: p.Name(),
		Model:    model,
		Usage:    usage,
		Latency:  time.Since(start),
	}, nil
}
