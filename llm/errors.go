package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/agentorch/llm/circuitbreaker"
	"github.com/BaSui01/agentorch/types"
)

// ErrorCategory provider 错误分类
type ErrorCategory string

const (
	// CategoryTransient 可重试（网络、超时、5xx、限流）
	CategoryTransient ErrorCategory = "TRANSIENT"
	// CategoryQuotaExceeded 配额耗尽，直接切换下一个 provider
	CategoryQuotaExceeded ErrorCategory = "QUOTA_EXCEEDED"
	// CategoryFatal 不可恢复（鉴权、非法请求），直接切换下一个 provider
	CategoryFatal ErrorCategory = "FATAL"
)

// Code 返回分类对应的统一错误码
func (c ErrorCategory) Code() types.ErrorCode {
	switch c {
	case CategoryQuotaExceeded:
		return types.ErrQuotaExceeded
	case CategoryFatal:
		return types.ErrProviderFatal
	default:
		return types.ErrProviderTransient
	}
}

// ProviderError provider 返回的分类错误
type ProviderError struct {
	Provider   string
	Category   ErrorCategory
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Provider, e.Category)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// AsTypesError 转换为统一错误结构
func (e *ProviderError) AsTypesError() *types.Error {
	return types.NewError(e.Category.Code(), e.Error()).
		WithProvider(e.Provider).
		WithRetryable(e.Category == CategoryTransient).
		WithCause(e)
}

// NewProviderError 创建分类错误
func NewProviderError(provider string, category ErrorCategory, status int, msg string) *ProviderError {
	return &ProviderError{Provider: provider, Category: category, StatusCode: status, Message: msg}
}

// CategoryFromStatus 按 HTTP 状态码与错误消息分类
func CategoryFromStatus(status int, msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	quota := strings.Contains(lower, "quota") ||
		strings.Contains(lower, "credit") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_balance")

	switch {
	case status == http.StatusPaymentRequired:
		return CategoryQuotaExceeded
	case status == http.StatusTooManyRequests:
		if quota {
			return CategoryQuotaExceeded
		}
		return CategoryTransient
	case status == http.StatusBadRequest:
		if quota {
			return CategoryQuotaExceeded
		}
		return CategoryFatal
	case status == http.StatusRequestTimeout, status == 529, status >= 500:
		return CategoryTransient
	case status >= 400:
		return CategoryFatal
	default:
		return CategoryTransient
	}
}

// Categorize 对任意错误分类：已分类错误保持原类别，超时视为 TRANSIENT，
// 取消视为 FATAL，未知错误视为 TRANSIENT。
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	switch types.GetErrorCode(err) {
	case types.ErrQuotaExceeded:
		return CategoryQuotaExceeded
	case types.ErrProviderFatal, types.ErrValidation:
		return CategoryFatal
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	return CategoryTransient
}

// IsTransient 判断错误是否可在同一 provider 上重试
func IsTransient(err error) bool {
	return err != nil && Categorize(err) == CategoryTransient
}

// ProviderFailure 单个 provider 的失败记录
type ProviderFailure struct {
	Provider string        `json:"provider"`
	Category ErrorCategory `json:"category"`
	Attempts int           `json:"attempts"`
	Err      error         `json:"-"`
}

// AllProvidersFailedError 所有 provider 均失败时返回，聚合每个 provider 的分类错误
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s[%s]: %v", f.Provider, f.Category, f.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap 返回所有 provider 的原始错误
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
