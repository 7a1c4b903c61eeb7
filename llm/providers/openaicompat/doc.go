// Package openaicompat 实现 OpenAI Chat Completions 兼容接口的 adapter.
//
// OpenAI 以及 DeepSeek、Qwen、GLM 等兼容服务共用同一请求格式，
// 差异只在名称、BaseURL、默认模型与鉴权头，通过 Config 覆盖：
//
//	p := openaicompat.New(openaicompat.Config{
//	    BaseConfig: providers.BaseConfig{
//	        Name:    "deepseek",
//	        APIKey:  key,
//	        BaseURL: "https://api.deepseek.com",
//	        Model:   "deepseek-chat",
//	    },
//	}, counter, logger)
package openaicompat
