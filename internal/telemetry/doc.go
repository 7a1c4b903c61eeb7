// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry SDK，为引擎与 AI 调用层提供
// TracerProvider 与 MeterProvider。禁用时不创建导出器，全局 provider 保持 noop。
package telemetry
