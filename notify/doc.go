// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 notify 实现 workflow.NotificationPublisher，将工作流进度事件扇出到外部。

  - LogPublisher：以结构化 zap 日志输出事件
  - RedisPublisher：JSON 编码后发布到 Redis 频道，Subscribe 用于消费
  - Multi：按顺序扇出到多个发布者，汇总错误

New 根据 config.NotifyConfig 组合上述发布者。发布失败只返回错误，
是否影响工作流由调用方决定；引擎只记录日志。
*/
package notify
