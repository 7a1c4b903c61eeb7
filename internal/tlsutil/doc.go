// Package tlsutil 集中管理出站连接的 TLS 设置，
// provider HTTP 客户端与 Redis 连接共用同一份加固配置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
