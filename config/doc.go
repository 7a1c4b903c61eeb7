// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package config 提供 AgentOrch 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级加载，
// 覆盖引擎、AI 调用层、持久化、事件发布、日志、遥测与指标。
package config
