// Package queue 提供按用户串行化的 LLM 请求队列.
//
// 同一用户任意时刻至多一个调用在执行，相邻两次调用的开始时间
// 至少间隔 MinSpacing. 不同用户之间互不影响.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultMinSpacing 默认最小调用间隔.
const DefaultMinSpacing = 2 * time.Second

// ErrClosed 队列已关闭.
var ErrClosed = errors.New("request queue closed")

// Task 是排队执行的调用.
type Task func(ctx context.Context) (any, error)

// Config 队列配置.
type Config struct {
	// MinSpacing 同一用户两次调用开始之间的最小间隔，0 表示不限速
	MinSpacing time.Duration
	// IdleTTL 空闲 lane 的回收时间
	IdleTTL time.Duration
}

// DefaultConfig 返回默认配置.
func DefaultConfig() Config {
	return Config{MinSpacing: DefaultMinSpacing, IdleTTL: 10 * time.Minute}
}

type lane struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	waiting  int
	lastUsed time.Time
}

// Stats 队列快照.
type Stats struct {
	Users   int `json:"users"`
	Waiting int `json:"waiting"`
}

// RequestQueue 为每个用户维护一条 lane.
type RequestQueue struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// New 创建请求队列.
func New(cfg Config, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &RequestQueue{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "request_queue")),
		lanes:  make(map[string]*lane),
	}
}

func (q *RequestQueue) acquireLane(userID string) (*lane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	l, ok := q.lanes[userID]
	if !ok {
		limit := rate.Inf
		if q.cfg.MinSpacing > 0 {
			limit = rate.Every(q.cfg.MinSpacing)
		}
		l = &lane{
			sem:     semaphore.NewWeighted(1),
			limiter: rate.NewLimiter(limit, 1),
		}
		q.lanes[userID] = l
	}
	l.waiting++
	l.lastUsed = time.Now()
	return l, nil
}

func (q *RequestQueue) releaseLane(l *lane) {
	q.mu.Lock()
	l.waiting--
	l.lastUsed = time.Now()
	q.mu.Unlock()
}

// Submit 在用户的 lane 上执行 task，阻塞直到 task 返回或 ctx 取消.
// 等待期间 ctx 取消时 task 不会被执行.
func (q *RequestQueue) Submit(ctx context.Context, userID string, task Task) (any, error) {
	l, err := q.acquireLane(userID)
	if err != nil {
		return nil, err
	}
	defer q.releaseLane(l)

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		// 限速等待会越过 deadline 时 Wait 立即失败，按超时上报
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			return nil, fmt.Errorf("request queue: spacing for user %s exceeds deadline: %w", userID, context.DeadlineExceeded)
		}
		return nil, err
	}
	if waited := time.Since(start); waited > 0 {
		q.logger.Debug("request spaced",
			zap.String("user_id", userID),
			zap.Duration("waited", waited))
	}
	return task(ctx)
}

// Do 是 Submit 的泛型版本.
func Do[T any](ctx context.Context, q *RequestQueue, userID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := q.Submit(ctx, userID, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if v, ok := out.(T); ok {
			return v, err
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Stats 返回当前 lane 数与排队数.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Users: len(q.lanes)}
	for _, l := range q.lanes {
		s.Waiting += l.waiting
	}
	return s
}

// Prune 回收空闲超过 IdleTTL 的 lane，返回回收数量.
func (q *RequestQueue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.cfg.IdleTTL)
	n := 0
	for id, l := range q.lanes {
		if l.waiting == 0 && l.lastUsed.Before(cutoff) {
			delete(q.lanes, id)
			n++
		}
	}
	return n
}

// Close 拒绝新的提交. 已在执行的 task 不受影响.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
