package llm

import (
	"context"
	"strings"
	"time"
)

// Complexity 调用复杂度，决定默认的 max tokens 与 temperature
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ParseComplexity 解析复杂度字符串，未知值按 medium 处理
func ParseComplexity(s string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case ComplexityLow:
		return ComplexityLow
	case ComplexityHigh:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

// InvokeOptions 归一化的调用参数
type InvokeOptions struct {
	Model        string            `json:"model,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	Temperature  float32           `json:"temperature,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OptionsForComplexity 按复杂度返回默认调用参数
func OptionsForComplexity(c Complexity) InvokeOptions {
	switch c {
	case ComplexityLow:
		return InvokeOptions{MaxTokens: 1024, Temperature: 0.3}
	case ComplexityHigh:
		return InvokeOptions{MaxTokens: 4096, Temperature: 0.7}
	default:
		return InvokeOptions{MaxTokens: 2048, Temperature: 0.5}
	}
}

// Usage token 用量与费用
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Result 归一化的调用结果，屏蔽各 provider 响应结构差异
type Result struct {
	Content  string        `json:"content"`
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
}

// Provider 单个 AI 后端的统一能力接口，每个后端一个适配器实现。
// 编排层除优先级排序外不依据 provider 身份做分支。
type Provider interface {
	Name() string
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error)
}

// ProviderFunc 将函数适配为 Provider
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error) {
	return p.Fn(ctx, prompt, opts)
}

// PrioritizedProvider 带优先级的 provider（数值越小优先级越高）
type PrioritizedProvider struct {
	Provider Provider
	Priority int
}
