package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm/budget"
	"github.com/BaSui01/agentorch/llm/circuitbreaker"
	"github.com/BaSui01/agentorch/llm/queue"
	"github.com/BaSui01/agentorch/llm/retry"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	anonymousUser = "anonymous"
	tracerName    = "github.com/BaSui01/agentorch/llm"
)

// InvokerConfig 调用层配置
type InvokerConfig struct {
	// QueueMinSpacing 同一用户两次调用的最小间隔
	QueueMinSpacing time.Duration
	Breaker         *circuitbreaker.Config
	Retry           *retry.RetryPolicy
	Limits          budget.Limits
}

// DefaultInvokerConfig 返回默认配置
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		QueueMinSpacing: queue.DefaultMinSpacing,
		Breaker:         circuitbreaker.DefaultConfig(),
		Retry:           retry.DefaultRetryPolicy(),
		Limits:          budget.DefaultLimits(),
	}
}

// InvokerConfigFromSettings 从配置文件构建调用层配置
func InvokerConfigFromSettings(c config.InvokerConfig) InvokerConfig {
	return InvokerConfig{
		QueueMinSpacing: c.QueueMinSpacing,
		Breaker: &circuitbreaker.Config{
			Threshold:    c.Breaker.Threshold,
			ResetTimeout: c.Breaker.ResetTimeout,
		},
		Retry: &retry.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		},
		Limits: budget.LimitsFromConfig(c.Usage),
	}
}

// InvokerOption 可选依赖
type InvokerOption func(*Invoker)

// WithUsageSink 用量记录持久化目标
func WithUsageSink(sink budget.Sink) InvokerOption {
	return func(i *Invoker) { i.usageSink = sink }
}

// WithRecorder 度量事件接收者
func WithRecorder(r Recorder) InvokerOption {
	return func(i *Invoker) {
		if r != nil {
			i.recorder = r
		}
	}
}

// WithTracer 替换 OTel tracer
func WithTracer(t trace.Tracer) InvokerOption {
	return func(i *Invoker) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithClock 替换熔断器与用量统计使用的时钟，测试用
func WithClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) { i.now = now }
}

// CallRequest 一次调用的输入
type CallRequest struct {
	Prompt       string
	SystemPrompt string
	AgentID      string
	WorkflowID   string
	UserID       string
	Complexity   Complexity
	Model        string
	// Context 透传给 provider 的附加信息
	Context map[string]string
}

// CallResult 一次调用的输出
type CallResult struct {
	Content  string        `json:"content"`
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Usage    Usage         `json:"usage"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
	// Skipped 成功之前失败的 provider
	Skipped []ProviderFailure `json:"skipped,omitempty"`
}

// ProviderStatus provider 及其熔断器状态
type ProviderStatus struct {
	Name     string                  `json:"name"`
	Priority int                     `json:"priority"`
	Breaker  circuitbreaker.Snapshot `json:"breaker"`
}

// RateLimitError 用户达到用量上限，调用前拒绝
type RateLimitError struct {
	UserID string
	Check  budget.LimitCheck
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("user %s rejected: %s (%d requests, $%.4f)",
		e.UserID, e.Check.Reason, e.Check.Requests, e.Check.Cost)
}

// Invoker 弹性多 provider 调用层。
// 熔断器、用量统计与请求队列都归属于单个 Invoker 实例，由 NewInvoker 创建、Close 释放。
type Invoker struct {
	providers []PrioritizedProvider
	breakers  *circuitbreaker.Registry
	retryer   retry.Retryer
	queue     *queue.RequestQueue
	usage     *budget.UsageTracker
	usageSink budget.Sink
	recorder  Recorder
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger
	closed    atomic.Bool
}

// NewInvoker 创建调用层。providers 按 Priority 升序调用，同优先级保持传入顺序
func NewInvoker(cfg InvokerConfig, providers []PrioritizedProvider, logger *zap.Logger, opts ...InvokerOption) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "invoker"))

	inv := &Invoker{
		recorder: NopRecorder{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(inv)
	}

	sorted := make([]PrioritizedProvider, 0, len(providers))
	for _, p := range providers {
		if p.Provider != nil {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Priority < sorted[b].Priority })
	inv.providers = sorted

	inv.breakers = circuitbreaker.NewRegistry(inv.breakerConfig(cfg.Breaker), logger)
	for _, p := range sorted {
		inv.breakers.Get(p.Provider.Name())
	}

	policy := retry.DefaultRetryPolicy()
	if cfg.Retry != nil {
		cp := *cfg.Retry
		policy = &cp
	}
	policy.Retryable = IsTransient
	inv.retryer = retry.NewBackoffRetryer(policy, logger)

	inv.queue = queue.New(queue.Config{MinSpacing: cfg.QueueMinSpacing}, logger)

	inv.usage = budget.NewUsageTracker(cfg.Limits, inv.usageSink, logger)
	if inv.now != nil {
		inv.usage.SetClock(inv.now)
	}
	return inv
}

func (i *Invoker) breakerConfig(base *circuitbreaker.Config) *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if base != nil {
		cp := *base
		cfg = &cp
	}
	userHook := cfg.OnStateChange
	cfg.IsFailure = countsAgainstProvider
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		i.logger.Warn("circuit state changed",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		i.recorder.RecordBreakerState(name, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	if i.now != nil {
		cfg.Now = i.now
	}
	return cfg
}

// countsAgainstProvider 只有反映 provider 健康状况的错误计入熔断
func countsAgainstProvider(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Categorize(err) {
	case CategoryTransient, CategoryQuotaExceeded:
		return true
	default:
		return false
	}
}

// Call 经用户队列、限额检查、熔断与重试，按优先级依次尝试 provider
func (i *Invoker) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	if i.closed.Load() {
		return nil, types.NewError(types.ErrNotInitialized, "invoker is closed")
	}
	if len(i.providers) == 0 {
		return nil, types.NewError(types.ErrNotInitialized, "no AI provider configured")
	}
	userID := req.UserID
	if userID == "" {
		userID = anonymousUser
	}

	if err := i.checkLimits(userID); err != nil {
		return nil, err
	}

	ctx, span := i.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("agent_id", req.AgentID),
		attribute.String("complexity", string(req.Complexity)),
	))
	defer span.End()

	// 排队期间同一用户的前序调用可能已用完额度：占用 lane 后复查，
	// 并在释放 lane 前记账，保证下一个排队者看到本次用量
	res, err := queue.Do(ctx, i.queue, userID, func(ctx context.Context) (*CallResult, error) {
		if err := i.checkLimits(userID); err != nil {
			return nil, err
		}
		res, err := i.executeWithRetryAndFallback(ctx, req)
		if err != nil {
			return nil, err
		}
		i.trackUsage(ctx, userID, req, res)
		return res, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", res.Provider),
		attribute.Int("attempts", res.Attempts),
		attribute.Int("tokens", res.Usage.TotalTokens),
	)
	return res, nil
}

func (i *Invoker) checkLimits(userID string) error {
	check := i.usage.CheckUserLimits(userID)
	if check.Allowed {
		return nil
	}
	i.recorder.RecordRateLimited(string(check.Reason))
	return types.Errorf(types.ErrRateLimited, "usage limit reached: %s", check.Reason).
		WithCause(&RateLimitError{UserID: userID, Check: check})
}

func (i *Invoker) trackUsage(ctx context.Context, userID string, req CallRequest, res *CallResult) {
	rec := persistence.UsageRecord{
		UserID:           userID,
		Provider:         res.Provider,
		Model:            res.Model,
		AgentID:          req.AgentID,
		WorkflowID:       req.WorkflowID,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		Tokens:           res.Usage.TotalTokens,
		Cost:             res.Usage.Cost,
	}
	if err := i.usage.TrackUsage(ctx, rec); err != nil {
		i.logger.Warn("usage tracking failed", zap.String("user_id", userID), zap.Error(err))
	}
	i.recorder.RecordUsage(res.Provider, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.Cost)
}

func (i *Invoker) executeWithRetryAndFallback(ctx context.Context, req CallRequest) (*CallResult, error) {
	start := time.Now()
	opts := OptionsForComplexity(req.Complexity)
	opts.Model = req.Model
	opts.SystemPrompt = req.SystemPrompt
	opts.UserID = req.UserID
	opts.Metadata = req.Context

	var failures []ProviderFailure
	total := 0
	for _, pp := range i.providers {
		p := pp.Provider
		name := p.Name()
		cb := i.breakers.Get(name)

		attempts := 0
		callStart := time.Now()
		res, err := circuitbreaker.CallWithResultTyped(cb, ctx, func() (*Result, error) {
			return retry.DoWithResultTyped(i.retryer, ctx, func() (*Result, error) {
				attempts++
				return p.Invoke(ctx, req.Prompt, opts)
			})
		})
		total += attempts
		latency := time.Since(callStart)

		if err == nil {
			i.recorder.RecordProviderCall(name, "success", latency)
			if len(failures) > 0 {
				i.logger.Info("fallback provider succeeded",
					zap.String("provider", name),
					zap.Int("skipped", len(failures)))
			}
			return &CallResult{
				Content:  res.Content,
				Provider: name,
				Model:    res.Model,
				Usage:    res.Usage,
				Attempts: total,
				Latency:  time.Since(start),
				Skipped:  failures,
			}, nil
		}

		category := Categorize(err)
		outcome := string(category)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		i.recorder.RecordProviderCall(name, outcome, latency)
		failures = append(failures, ProviderFailure{
			Provider: name,
			Category: category,
			Attempts: attempts,
			Err:      err,
		})
		i.logger.Warn("provider failed",
			zap.String("provider", name),
			zap.String("category", string(category)),
			zap.Int("attempts", attempts),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	all := &AllProvidersFailedError{Failures: failures}
	terr := types.NewError(types.ErrAllProvidersFailed, "all providers failed").WithCause(all)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ctx.Err(), terr)
	}
	return nil, terr
}

// ProviderStatus 返回按优先级排列的 provider 与熔断器状态
func (i *Invoker) ProviderStatus() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(i.providers))
	for _, p := range i.providers {
		name := p.Provider.Name()
		out = append(out, ProviderStatus{
			Name:     name,
			Priority: p.Priority,
			Breaker:  i.breakers.Get(name).Snapshot(),
		})
	}
	return out
}

// TripProvider 运维手动熔断 provider，冷却期内调用直接跳过它
func (i *Invoker) TripProvider(name string) error {
	if !i.hasProvider(name) {
		return types.NewNotFoundError("provider %s is not configured", name)
	}
	i.breakers.Trip(name)
	i.logger.Warn("provider tripped by operator", zap.String("provider", name))
	return nil
}

// ResetProvider 手动关闭 provider 的熔断器
func (i *Invoker) ResetProvider(name string) error {
	if !i.hasProvider(name) {
		return types.NewNotFoundError("provider %s is not configured", name)
	}
	i.breakers.Reset(name)
	i.logger.Info("provider breaker reset by operator", zap.String("provider", name))
	return nil
}

func (i *Invoker) hasProvider(name string) bool {
	for _, p := range i.providers {
		if p.Provider.Name() == name {
			return true
		}
	}
	return false
}

// Breakers 返回熔断器注册表
func (i *Invoker) Breakers() *circuitbreaker.Registry { return i.breakers }

// Usage 返回用量跟踪器
func (i *Invoker) Usage() *budget.UsageTracker { return i.usage }

// Queue 返回请求队列
func (i *Invoker) Queue() *queue.RequestQueue { return i.queue }

// Close 拒绝后续调用，已在执行的调用不受影响
func (i *Invoker) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.queue.Close()
	i.logger.Info("invoker closed")
	return nil
}
