// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 AI 调用层、工作流引擎
与持久化存储三个维度。

# 核心类型

  - Collector：同时实现 llm.Recorder 与 workflow.Recorder，
    通过 promauto.With 注册到独立 Registry，Handler 暴露 /metrics。

# 主要能力

  - AI 调用：按 provider/outcome 统计调用次数与延迟、Token 用量、
    费用、限流拒绝次数与熔断器状态。
  - 工作流：启动/结束计数、活跃数、步骤结果与耗时、检查点与回滚。
  - 存储：数据库连接池与保留期清理删除的记录数。
*/
package metrics
