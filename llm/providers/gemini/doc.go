// Package gemini 实现 Google Gemini generateContent 接口的 adapter.
//
// 与 OpenAI 兼容接口的差异：
//  1. 使用 x-goog-api-key 请求头认证
//  2. 模型名写在路径中：/v1beta/models/{model}:generateContent
//  3. 用量字段位于 usageMetadata
package gemini
