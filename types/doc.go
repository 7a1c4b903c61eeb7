// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package types 提供编排引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、llm、persistence
等上层模块提供统一的错误契约与 Context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系（VALIDATION、NOT_FOUND、INVALID_STATE、
    PROVIDER_*、ALL_PROVIDERS_FAILED、CIRCUIT_OPEN、RATE_LIMITED 等）
  - IsCode / GetErrorCode / IsRetryable：基于 errors.As 的错误判定

# Context 传播

  - WithTraceID / WithUserID / WithWorkflowID / WithAgentID 及对应的读取函数
*/
package types
