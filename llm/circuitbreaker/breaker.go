package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（允许单次试探）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// IsFailure 判断错误是否计入熔断失败；nil 表示所有错误都计入
	IsFailure func(err error) bool

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(name string, from State, to State)

	// Now 时钟，测试时可替换
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:    5,
		ResetTimeout: 60 * time.Second,
	}
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Name 返回熔断器保护的目标名称
	Name() string

	// Call 执行调用，如果熔断器打开则返回错误
	Call(ctx context.Context, fn func() error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// State 获取当前状态（Open 超时后报告为 HalfOpen）
	State() State

	// Snapshot 获取完整状态快照
	Snapshot() Snapshot

	// Trip 强制打开熔断器
	Trip()

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// OpenError 熔断器打开时返回的错误
type OpenError struct {
	Name        string
	NextAttempt time.Time
	halfOpen    bool
}

func (e *OpenError) Error() string {
	if e.halfOpen {
		return fmt.Sprintf("circuit %q half-open: trial call already in flight", e.Name)
	}
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.NextAttempt.Format(time.RFC3339))
}

// Is 让 errors.Is(err, ErrCircuitOpen) 对所有拒绝都成立
func (e *OpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	return e.halfOpen && target == ErrTooManyCallsInHalfOpen
}

type transition struct {
	from, to State
}

// breaker 熔断器实现
type breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu               sync.Mutex
	state            State
	failureCount     int       // 连续失败次数
	successCount     int       // 当前状态下的成功次数
	lastFailureTime  time.Time // 最后失败时间
	nextAttemptTime  time.Time // Open -> HalfOpen 的时间点
	halfOpenInFlight bool      // 半开状态下是否已有试探调用
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config

	// 参数校验
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		name:   name,
		config: &cfg,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("provider", name)),
		state:  StateClosed,
	}
}

func (b *breaker) Name() string { return b.name }

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：状态机转换 + 失败计数
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 检查熔断器状态
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := fn()

	// 不计入熔断的错误（配额、鉴权、非法请求等）按成功处理
	success := err == nil || !b.countsAsFailure(err)
	b.afterCall(success)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *breaker) countsAsFailure(err error) bool {
	if b.config.IsFailure == nil {
		return true
	}
	return b.config.IsFailure(err)
}

// beforeCall 调用前检查
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.config.Now().Before(b.nextAttemptTime) {
			return &OpenError{Name: b.name, NextAttempt: b.nextAttemptTime}
		}
		changed = b.setState(StateHalfOpen)
		b.halfOpenInFlight = true
		b.logger.Info("熔断器进入半开状态")
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight {
			return &OpenError{Name: b.name, NextAttempt: b.nextAttemptTime, halfOpen: true}
		}
		b.halfOpenInFlight = true
		return nil

	default:
		return fmt.Errorf("未知的熔断器状态: %v", b.state)
	}
}

// afterCall 调用后处理
func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	var changed *transition
	if success {
		changed = b.onSuccess()
	} else {
		changed = b.onFailure()
	}
	b.mu.Unlock()
	b.notify(changed)
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() *transition {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
		b.successCount++

	case StateHalfOpen:
		b.logger.Info("熔断器恢复正常")
		t := b.setState(StateClosed)
		b.failureCount = 0
		b.successCount = 1
		b.halfOpenInFlight = false
		b.nextAttemptTime = time.Time{}
		return t

	case StateOpen:
		// Trip 与在途调用竞争时可能出现
		b.logger.Debug("熔断器打开状态收到成功响应")
	}
	return nil
}

// onFailure 处理失败调用
func (b *breaker) onFailure() *transition {
	now := b.config.Now()
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			return b.open(now)
		}

	case StateHalfOpen:
		b.logger.Warn("熔断器半开状态试探失败，重新打开")
		return b.open(now)

	case StateOpen:
		b.logger.Debug("熔断器打开状态收到失败响应")
	}
	return nil
}

func (b *breaker) open(now time.Time) *transition {
	t := b.setState(StateOpen)
	b.nextAttemptTime = now.Add(b.config.ResetTimeout)
	b.successCount = 0
	b.halfOpenInFlight = false
	return t
}

// setState 设置状态，返回待通知的状态变更
func (b *breaker) setState(newState State) *transition {
	oldState := b.state
	b.state = newState
	if oldState == newState {
		return nil
	}
	return &transition{from: oldState, to: newState}
}

func (b *breaker) notify(t *transition) {
	if t == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(b.name, t.from, t.to)
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.config.Now().Before(b.nextAttemptTime) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot 实现 CircuitBreaker.Snapshot
func (b *breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		NextAttemptTime: b.nextAttemptTime,
		LastFailureTime: b.lastFailureTime,
	}
}

// Trip 实现 CircuitBreaker.Trip
func (b *breaker) Trip() {
	b.mu.Lock()
	t := b.open(b.config.Now())
	b.mu.Unlock()
	b.logger.Warn("熔断器被强制打开")
	b.notify(t)
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	oldState := b.state
	t := b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = false
	b.nextAttemptTime = time.Time{}
	b.mu.Unlock()

	b.logger.Info("熔断器已重置", zap.String("from_state", oldState.String()))
	b.notify(t)
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("circuit breaker half-open trial already in flight")
)
