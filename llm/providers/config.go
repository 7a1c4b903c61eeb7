package providers

import (
	"time"

	"github.com/BaSui01/agentorch/config"
)

// BaseConfig 所有 adapter 共享的配置字段.
type BaseConfig struct {
	Name    string        `json:"name" yaml:"name"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// 每 1k token 的价格，用于计算 Usage.Cost
	InputCostPer1K  float64 `json:"input_cost_per_1k,omitempty" yaml:"input_cost_per_1k,omitempty"`
	OutputCostPer1K float64 `json:"output_cost_per_1k,omitempty" yaml:"output_cost_per_1k,omitempty"`
}

// FromSettings 从配置文件中的 provider 条目构建 BaseConfig.
func FromSettings(pc config.ProviderConfig) BaseConfig {
	return BaseConfig{
		Name:            pc.Name,
		APIKey:          pc.APIKey,
		BaseURL:         pc.BaseURL,
		Model:           pc.Model,
		Timeout:         pc.Timeout,
		InputCostPer1K:  pc.InputCostPer1K,
		OutputCostPer1K: pc.OutputCostPer1K,
	}
}

// Cost 按单价计算费用.
func (c BaseConfig) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.InputCostPer1K +
		float64(completionTokens)/1000*c.OutputCostPer1K
}

// ChooseModel 按优先级选择模型：调用参数 > 配置 > 兜底.
func ChooseModel(requested, configured, fallback string) string {
	if requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}
