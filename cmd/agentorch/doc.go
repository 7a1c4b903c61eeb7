// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentorch 命令行入口。

# 子命令

  - run：按模板启动工作流并在前台驱动，Agent 提问时从标准输入读取回答
  - resume：恢复中断的工作流（RUNNING 继续执行，PAUSED/ROLLED_BACK 恢复运行）
  - status / list：查询持久化的工作流
  - checkpoints / rollback：列出检查点并回滚
  - sweep：执行一次保留期清理
  - templates：列出可用模板
  - version / help

所有子命令共享 --config 参数；配置优先级为默认值、YAML 文件、AGENTORCH_ 环境变量。
run 与 resume 运行期间在 metrics.addr 暴露 /metrics 与 /healthz。
*/
package main
