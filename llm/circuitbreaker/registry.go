package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 按 provider 名称持有熔断器，所有调用方共享同一实例。
// Registry 由调用层显式创建和销毁，不存在进程级单例。
type Registry struct {
	config *Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]CircuitBreaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]CircuitBreaker),
	}
}

// Get 获取（必要时创建）指定名称的熔断器
func (r *Registry) Get(name string) CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config, r.logger)
	r.breakers[name] = cb
	return cb
}

// Names 返回已注册的名称（排序后）
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot 返回所有熔断器的状态快照
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.Lock()
	breakers := make([]CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.Snapshot()
	}
	return out
}

// Trip 强制打开指定熔断器，ResetTimeout 后进入半开
func (r *Registry) Trip(name string) {
	r.Get(name).Trip()
}

// Reset 手动关闭指定熔断器
func (r *Registry) Reset(name string) {
	r.Get(name).Reset()
}

// ResetAll 重置所有熔断器
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
