package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/tokenizer"
)

// maxErrorBody 读取错误响应体的上限
const maxErrorBody = 64 << 10

// MapHTTPError 将 HTTP 状态码映射为分类后的 provider 错误
// 这是所有 adapter 使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *llm.ProviderError {
	return llm.NewProviderError(provider, llm.CategoryFromStatus(status, msg), status, msg)
}

// TransportError 包装请求发送失败（连接、超时、取消）
func TransportError(provider string, err error) *llm.ProviderError {
	category := llm.CategoryTransient
	if errors.Is(err, context.Canceled) {
		category = llm.CategoryFatal
	}
	return &llm.ProviderError{
		Provider: provider,
		Category: category,
		Message:  "request failed",
		Cause:    err,
	}
}

// DecodeError 包装响应解析失败，上游返回了残缺内容，按可重试处理
func DecodeError(provider string, err error) *llm.ProviderError {
	return &llm.ProviderError{
		Provider: provider,
		Category: llm.CategoryTransient,
		Message:  "decode response",
		Cause:    err,
	}
}

// ReadErrorMessage 读取响应体中的错误消息
// 支持 {"error":{"message","type"}} 与 {"error":{"message","status"}} 两种形状，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		kind := errResp.Error.Type
		if kind == "" {
			kind = errResp.Error.Status
		}
		if kind != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, kind)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// FillUsage 补全 provider 未返回的用量字段并计算费用
func FillUsage(u *llm.Usage, cfg BaseConfig, counter tokenizer.Counter, prompt, content string) {
	if counter != nil {
		if u.PromptTokens == 0 {
			u.PromptTokens = counter.Count(prompt)
		}
		if u.CompletionTokens == 0 {
			u.CompletionTokens = counter.Count(content)
		}
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	u.Cost = cfg.Cost(u.PromptTokens, u.CompletionTokens)
}
