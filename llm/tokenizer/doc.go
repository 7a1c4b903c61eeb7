// Package tokenizer 为不返回用量的 provider 估算 prompt 与 completion 的 token 数，
// 支持 tiktoken 精确计数，失败时回落到 CJK 感知的字符估算器。
package tokenizer
