package workflow

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentorch/types"
)

// StaticProvider 内存中的 Agent 定义与工作流模板，同时实现
// AgentDefinitionProvider 与 WorkflowSequenceProvider
type StaticProvider struct {
	mu        sync.RWMutex
	agents    map[string]AgentDefinition
	templates map[string][]Step
}

// NewStaticProvider 创建静态提供者
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		agents:    make(map[string]AgentDefinition),
		templates: make(map[string][]Step),
	}
}

// AddAgent 注册或替换 Agent 定义
func (p *StaticProvider) AddAgent(def AgentDefinition) *StaticProvider {
	p.mu.Lock()
	p.agents[def.ID] = def
	p.mu.Unlock()
	return p
}

// AddTemplate 注册或替换工作流模板
func (p *StaticProvider) AddTemplate(name string, steps []Step) *StaticProvider {
	p.mu.Lock()
	p.templates[name] = append([]Step(nil), steps...)
	p.mu.Unlock()
	return p
}

// GetAgent 实现 AgentDefinitionProvider
func (p *StaticProvider) GetAgent(_ context.Context, agentID string) (*AgentDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.agents[agentID]
	if !ok {
		return nil, types.NewNotFoundError("agent %q is not defined", agentID)
	}
	return &def, nil
}

// GetSequence 实现 WorkflowSequenceProvider
func (p *StaticProvider) GetSequence(_ context.Context, template string) ([]Step, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	steps, ok := p.templates[template]
	if !ok {
		return nil, types.NewNotFoundError("workflow template %q is not defined", template)
	}
	return append([]Step(nil), steps...), nil
}

// Templates 返回模板名，已排序
func (p *StaticProvider) Templates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.templates))
	for n := range p.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// templateFile YAML 文件结构
type templateFile struct {
	Agents    []AgentDefinition `yaml:"agents"`
	Workflows map[string][]Step `yaml:"workflows"`
}

// ParseTemplates 从 YAML 解析 Agent 与工作流模板，并校验每个模板引用的 Agent 都已定义
func ParseTemplates(data []byte) (*StaticProvider, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	p := NewStaticProvider()
	for _, a := range f.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return nil, types.NewValidationError("agent definition without id")
		}
		p.AddAgent(a)
	}
	for name, steps := range f.Workflows {
		if _, err := ValidateSequence(context.Background(), steps, p); err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		p.AddTemplate(name, steps)
	}
	return p, nil
}

// LoadTemplatesFile 读取 YAML 模板文件
func LoadTemplatesFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return ParseTemplates(data)
}

// ValidateSequence 校验序列非空且每个 Agent 都可解析，返回补全 Order 与 Role 的副本
func ValidateSequence(ctx context.Context, steps []Step, agents AgentDefinitionProvider) ([]Step, error) {
	if len(steps) == 0 {
		return nil, types.NewValidationError("workflow sequence is empty")
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		if strings.TrimSpace(s.AgentID) == "" {
			return nil, types.NewValidationError("step %d has no agent", i)
		}
		def, err := agents.GetAgent(ctx, s.AgentID)
		if err != nil {
			return nil, types.NewValidationError("step %d: agent %q cannot be resolved", i, s.AgentID).WithCause(err)
		}
		if s.Timeout < 0 {
			return nil, types.NewValidationError("step %d: negative timeout", i)
		}
		if s.Role == "" {
			s.Role = def.Role
		}
		s.Order = i
		out[i] = s
	}
	return out, nil
}
