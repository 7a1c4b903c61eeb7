package tokenizer

import "unicode/utf8"

// Counter 统计文本的 token 数.
type Counter interface {
	Count(text string) int
	Name() string
}

// Estimator 按字符类别估算 token 数.
// CJK 字符约 1.5 字符/token，其余约 4 字符/token.
type Estimator struct{}

// NewEstimator 创建估算器.
func NewEstimator() Estimator { return Estimator{} }

// Count 返回估算的 token 数，非空文本至少为 1.
func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

// Name 返回名称.
func (Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF, // 统一表意文字
		r >= 0x3400 && r <= 0x4DBF,   // 扩展 A
		r >= 0x20000 && r <= 0x2A6DF, // 扩展 B
		r >= 0xF900 && r <= 0xFAFF,   // 兼容表意文字
		r >= 0x3000 && r <= 0x303F,   // 符号和标点
		r >= 0xFF00 && r <= 0xFFEF:   // 全角
		return true
	}
	return false
}
