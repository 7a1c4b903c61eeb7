package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-flash"
	defaultTimeout = 60 * time.Second
)

// GeminiProvider 实现 Google Gemini 的 adapter
type GeminiProvider struct {
	cfg     providers.BaseConfig
	client  *http.Client
	counter tokenizer.Counter
	logger  *zap.Logger
}

// NewGeminiProvider 创建 Gemini adapter. counter 为 nil 时使用估算器
func NewGeminiProvider(cfg providers.BaseConfig, counter tokenizer.Counter, logger *zap.Logger) *GeminiProvider {
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{
		cfg:     cfg,
		client:  tlsutil.HTTPClient(cfg.Timeout),
		counter: counter,
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

func (p *GeminiProvider) Name() string { return p.cfg.Name }

func (p *GeminiProvider) endpoint(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
	// 被安全策略拦截时只返回 promptFeedback
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Invoke 调用 generateContent
func (p *GeminiProvider) Invoke(ctx context.Context, prompt string, opts llm.InvokeOptions) (*llm.Result, error) {
	start := time.Now()
	model := providers.ChooseModel(opts.Model, p.cfg.Model, defaultModel)

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	}
	if opts.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: opts.SystemPrompt}}}
	}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		body.GenerationConfig = &generationConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

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

	var gResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, providers.DecodeError(p.Name(), err)
	}
	if len(gResp.Candidates) == 0 {
		if gResp.PromptFeedback != nil && gResp.PromptFeedback.BlockReason != "" {
			return nil, llm.NewProviderError(p.Name(), llm.CategoryFatal, resp.StatusCode,
				"prompt blocked: "+gResp.PromptFeedback.BlockReason)
		}
		return nil, providers.DecodeError(p.Name(), fmt.Errorf("response has no candidates"))
	}

	var sb strings.Builder
	for _, pt := range gResp.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}
	text := sb.String()

	var usage llm.Usage
	if gResp.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
		}
	}
	providers.FillUsage(&usage, p.cfg, p.counter, opts.SystemPrompt+prompt, text)

	if gResp.ModelVersion != "" {
		model = gResp.ModelVersion
	}
	return &llm.Result{
		Content:  text,
		Provider: p.Name(),
		Model:    model,
		Usage:    usage,
		Latency:  time.Since(start),
	}, nil
}
