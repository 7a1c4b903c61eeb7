// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package server 管理 CLI 运行期间的后台 HTTP 服务器，暴露 Prometheus
// 指标与依赖健康检查。信号处理由调用方负责。
package server
