// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 llm 提供弹性的多 provider AI 调用层。

# 概述

编排层的每一步都经由 [Invoker.Call] 调用 AI。Invoker 把以下能力组合成一次调用：

  - 按用户串行的请求队列（llm/queue），同一用户同一时刻至多一个在途调用，
    并保证两次调用之间的最小间隔。
  - 每日用量限额（llm/budget），超限时在调用前以 RATE_LIMITED 拒绝。
  - 每个 provider 一个熔断器（llm/circuitbreaker），其内部包裹指数退避重试（llm/retry）。
  - 按优先级的 provider 回退：QUOTA_EXCEEDED 与 FATAL 错误不在当前 provider 重试，
    直接切换下一个；全部失败时返回 ALL_PROVIDERS_FAILED，原因链中包含
    [AllProvidersFailedError]。

# Provider 抽象

[Provider] 是归一化的调用契约 Invoke(prompt, options) -> [Result]，每个服务商一个
adapter（llm/providers/...）。编排代码除优先级排序外不区分 provider 身份。

# 错误分类

[CategoryFromStatus] 与 [Categorize] 把 HTTP 状态码和任意错误映射到
TRANSIENT、QUOTA_EXCEEDED、FATAL 三类。只有 TRANSIENT 会被重试；
TRANSIENT 与 QUOTA_EXCEEDED 计入熔断失败。

# 使用方式

	inv := llm.NewInvoker(llm.DefaultInvokerConfig(), providers, logger,
	    llm.WithUsageSink(store), llm.WithRecorder(collector))
	defer inv.Close()

	res, err := inv.Call(ctx, llm.CallRequest{Prompt: prompt, UserID: "alice"})
*/
package llm
