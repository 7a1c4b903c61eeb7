package factory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/providers"
	"github.com/BaSui01/agentorch/llm/providers/gemini"
	"github.com/BaSui01/agentorch/llm/providers/openaicompat"
	"github.com/BaSui01/agentorch/llm/tokenizer"
	"go.uber.org/zap"
)

// 兼容 OpenAI 接口的服务商默认地址
var compatBaseURLs = map[string]string{
	"openai":   "https://api.openai.com",
	"deepseek": "https://api.deepseek.com",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode",
	"mistral":  "https://api.mistral.ai",
	"grok":     "https://api.x.ai",
}

// SupportedKinds 返回支持的 kind 列表
func SupportedKinds() []string {
	kinds := []string{"gemini", "openai-compatible"}
	for k := range compatBaseURLs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewProvider 按 kind 创建 adapter
func NewProvider(pc config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := providers.FromSettings(pc)
	kind := strings.ToLower(strings.TrimSpace(pc.Kind))
	if kind == "" {
		kind = strings.ToLower(pc.Name)
	}
	if base.Name == "" {
		base.Name = kind
	}

	switch kind {
	case "gemini":
		return gemini.NewGeminiProvider(base, tokenizer.NewEstimator(), logger), nil
	case "openai-compatible":
		if base.BaseURL == "" {
			return nil, fmt.Errorf("provider %q: base_url is required for kind openai-compatible", base.Name)
		}
		return openaicompat.New(openaicompat.Config{BaseConfig: base}, nil, logger), nil
	}

	if url, ok := compatBaseURLs[kind]; ok {
		if base.BaseURL == "" {
			base.BaseURL = url
		}
		return openaicompat.New(openaicompat.Config{BaseConfig: base}, nil, logger), nil
	}
	return nil, fmt.Errorf("unsupported provider kind %q (supported: %s)", kind, strings.Join(SupportedKinds(), ", "))
}

// NewProviders 创建配置中的全部 provider，保留配置的优先级
func NewProviders(cfgs []config.ProviderConfig, logger *zap.Logger) ([]llm.PrioritizedProvider, error) {
	out := make([]llm.PrioritizedProvider, 0, len(cfgs))
	for _, pc := range cfgs {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, llm.PrioritizedProvider{Provider: p, Priority: pc.Priority})
	}
	return out, nil
}
