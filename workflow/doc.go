// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package workflow 提供多 Agent 顺序工作流的编排引擎。

# 概述

一个工作流是一组有序步骤，每个步骤由一个 Agent 通过 AI 调用层执行。
Engine 负责状态机与驱动循环：逐步执行、在步骤前后写检查点、记录
非致命的步骤失败并继续，遇到关键失败时尝试一次自动回滚，需要人工
输入时暂停并在回答后重新执行同一步骤。

# 核心类型

  - Engine：状态机，Start / Run / Pause / Resume / Cancel / Rollback / ResumeElicitation
  - StepExecutor：单步执行，超时竞速、超时重试、结构化失败、结果解释
  - CheckpointManager：内存环形元数据 + 持久化完整快照，手动与自动回滚
  - ElicitationController：人工介入的暂停与恢复
  - Communicator：只追加的消息日志、事件派发与 Agent 通道进度
  - Rehydrate：由持久化记录与模板序列重建工作流的纯函数
  - StaticProvider：内存 / YAML 的 Agent 定义与工作流模板

# 状态

	INITIALIZING → RUNNING ↔ PAUSED
	RUNNING → PAUSED_FOR_ELICITATION → RUNNING
	RUNNING → ROLLING_BACK → ROLLED_BACK → RUNNING
	RUNNING → COMPLETED | ERROR
	任意非终态 → CANCELLED

同一工作流的步骤永远串行执行；不同工作流相互独立，可并发运行。
*/
package workflow
