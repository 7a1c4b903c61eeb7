// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 providers 是各 AI 服务商 adapter 的公共基础层。

# 概述

每个服务商一个子包（openaicompat、gemini），实现 llm.Provider 的
Invoke(prompt, options) -> llm.Result 归一化契约。本包提供子包共享的配置、
错误映射与用量补全逻辑。

# 核心函数

  - MapHTTPError：HTTP 状态码到 llm.ProviderError 的分类映射（TRANSIENT / QUOTA_EXCEEDED / FATAL）
  - TransportError / DecodeError：网络与解析失败的统一包装
  - ReadErrorMessage：从错误响应体提取可读消息
  - FillUsage：provider 未返回用量时用 tokenizer 估算，并按单价计算费用
*/
package providers
