// Package factory 按配置中的 kind 创建 provider adapter，
// 集中导入各 provider 子包，避免 llm 包与子包之间的循环依赖。
package factory
