package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LimitReason 是限额拒绝的稳定原因.
type LimitReason string

const (
	ReasonNone         LimitReason = ""
	ReasonRequestLimit LimitReason = "daily_request_limit_exceeded"
	ReasonCostLimit    LimitReason = "daily_cost_limit_exceeded"
)

const (
	defaultWindow       = 24 * time.Hour
	defaultMaxRequests  = 1000
	defaultMaxDailyCost = 10.0
)

// Limits 每用户限额.
type Limits struct {
	MaxRequestsPerDay int           `json:"max_requests_per_day"`
	MaxCostPerDay     float64       `json:"max_cost_per_day"`
	Window            time.Duration `json:"window"`
}

// DefaultLimits 返回默认限额：1000 次/天，$10/天.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestsPerDay: defaultMaxRequests,
		MaxCostPerDay:     defaultMaxDailyCost,
		Window:            defaultWindow,
	}
}

// LimitsFromConfig 从配置构建限额，零值回落到默认值.
func LimitsFromConfig(cfg config.UsageConfig) Limits {
	l := Limits{
		MaxRequestsPerDay: cfg.MaxRequestsPerDay,
		MaxCostPerDay:     cfg.MaxCostPerDay,
		Window:            cfg.Window,
	}
	return l.withDefaults()
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRequestsPerDay <= 0 {
		l.MaxRequestsPerDay = d.MaxRequestsPerDay
	}
	if l.MaxCostPerDay <= 0 {
		l.MaxCostPerDay = d.MaxCostPerDay
	}
	if l.Window <= 0 {
		l.Window = d.Window
	}
	return l
}

// LimitCheck 是 CheckUserLimits 的结果.
type LimitCheck struct {
	Allowed      bool        `json:"allowed"`
	Reason       LimitReason `json:"reason,omitempty"`
	Requests     int         `json:"requests"`
	Cost         float64     `json:"cost"`
	RequestLimit int         `json:"request_limit"`
	CostLimit    float64     `json:"cost_limit"`
	// ResetAt 窗口内最早一条记录过期的时间
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Stats 窗口内的聚合.
type Stats struct {
	Requests         int                `json:"requests"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	Tokens           int                `json:"tokens"`
	Cost             float64            `json:"cost"`
	ByProvider       map[string]int     `json:"by_provider"`
	CostByProvider   map[string]float64 `json:"cost_by_provider"`
}

// GlobalStats 全局聚合.
type GlobalStats struct {
	Stats
	Users         int     `json:"users"`
	TotalRequests int64   `json:"total_requests"`
	TotalCost     float64 `json:"total_cost"`
}

// Sink 持久化用量记录.
type Sink interface {
	SaveUsage(ctx context.Context, rec *persistence.UsageRecord) error
}

// Source 用于启动时加载历史用量.
type Source interface {
	ListUsage(ctx context.Context, filter persistence.UsageFilter) ([]*persistence.UsageRecord, error)
}

// UsageTracker 跟踪每个用户的滚动窗口用量.
// 所有方法并发安全.
type UsageTracker struct {
	limits Limits
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	byUser map[string][]persistence.UsageRecord
	// 进程生命周期内的累计值
	totalRequests int64
	totalCost     float64
}

// NewUsageTracker 创建用量跟踪器. sink 可以为 nil.
func NewUsageTracker(limits Limits, sink Sink, logger *zap.Logger) *UsageTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageTracker{
		limits: limits.withDefaults(),
		sink:   sink,
		logger: logger.With(zap.String("component", "usage_tracker")),
		now:    time.Now,
		byUser: make(map[string][]persistence.UsageRecord),
	}
}

// SetClock 替换时间源，测试用.
func (t *UsageTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Limits 返回当前限额.
func (t *UsageTracker) Limits() Limits { return t.limits }

// CheckUserLimits 计算用户窗口内请求数与费用，达到任一上限即拒绝.
func (t *UsageTracker) CheckUserLimits(userID string) LimitCheck {
	t.mu.Lock()
	defer t.mu.Unlock()

	recs := t.pruneLocked(userID)
	check := LimitCheck{
		Allowed:      true,
		Requests:     len(recs),
		RequestLimit: t.limits.MaxRequestsPerDay,
		CostLimit:    t.limits.MaxCostPerDay,
	}
	for i := range recs {
		check.Cost += recs[i].Cost
	}
	if len(recs) > 0 {
		check.ResetAt = recs[0].Timestamp.Add(t.limits.Window)
	}

	switch {
	case check.Requests >= t.limits.MaxRequestsPerDay:
		check.Allowed = false
		check.Reason = ReasonRequestLimit
	case check.Cost >= t.limits.MaxCostPerDay:
		check.Allowed = false
		check.Reason = ReasonCostLimit
	}
	if !check.Allowed {
		t.logger.Info("user limit reached",
			zap.String("user_id", userID),
			zap.String("reason", string(check.Reason)),
			zap.Int("requests", check.Requests),
			zap.Float64("cost", check.Cost))
	}
	return check
}

// TrackUsage 追加一条用量记录并更新聚合.
// 持久化失败不会回滚内存中的记录.
func (t *UsageTracker) TrackUsage(ctx context.Context, rec persistence.UsageRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("%w: usage record requires a user id", persistence.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Tokens == 0 {
		rec.Tokens = rec.PromptTokens + rec.CompletionTokens
	}

	t.mu.Lock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	t.insertLocked(rec)
	t.totalRequests++
	t.totalCost += rec.Cost
	t.mu.Unlock()

	t.logger.Debug("usage tracked",
		zap.String("user_id", rec.UserID),
		zap.String("provider", rec.Provider),
		zap.Int("tokens", rec.Tokens),
		zap.Float64("cost", rec.Cost))

	if t.sink == nil {
		return nil
	}
	persisted := rec
	if err := t.sink.SaveUsage(ctx, &persisted); err != nil {
		t.logger.Warn("failed to persist usage record",
			zap.String("user_id", rec.UserID), zap.Error(err))
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}

// Restore 从存储加载窗口内的历史记录，用于进程重启后恢复限额状态.
func (t *UsageTracker) Restore(ctx context.Context, src Source) (int, error) {
	t.mu.Lock()
	since := t.now().Add(-t.limits.Window)
	t.mu.Unlock()

	recs, err := src.ListUsage(ctx, persistence.UsageFilter{Since: since})
	if err != nil {
		return 0, fmt.Errorf("restore usage: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	for _, list := range t.byUser {
		for i := range list {
			seen[list[i].ID] = struct{}{}
		}
	}
	n := 0
	for _, r := range recs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		t.insertLocked(*r)
		n++
	}
	t.logger.Info("usage restored", zap.Int("records", n))
	return n, nil
}

// UserStats 返回用户窗口内的聚合.
func (t *UsageTracker) UserStats(userID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregate(t.pruneLocked(userID))
}

// GlobalStats 返回所有用户窗口内的聚合.
func (t *UsageTracker) GlobalStats() GlobalStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []persistence.UsageRecord
	users := 0
	for id := range t.byUser {
		recs := t.pruneLocked(id)
		if len(recs) == 0 {
			continue
		}
		users++
		all = append(all, recs...)
	}
	return GlobalStats{
		Stats:         aggregate(all),
		Users:         users,
		TotalRequests: t.totalRequests,
		TotalCost:     t.totalCost,
	}
}

// Records 返回用户窗口内记录的副本，按时间排序.
func (t *UsageTracker) Records(userID string) []persistence.UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.pruneLocked(userID)
	out := make([]persistence.UsageRecord, len(recs))
	copy(out, recs)
	return out
}

// insertLocked 按时间顺序插入. 常见情况是追加在末尾.
func (t *UsageTracker) insertLocked(rec persistence.UsageRecord) {
	list := t.byUser[rec.UserID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(rec.Timestamp) {
		i--
	}
	list = append(list, persistence.UsageRecord{})
	copy(list[i+1:], list[i:])
	list[i] = rec
	t.byUser[rec.UserID] = list
}

// pruneLocked 丢弃窗口外的记录并返回剩余部分.
func (t *UsageTracker) pruneLocked(userID string) []persistence.UsageRecord {
	list, ok := t.byUser[userID]
	if !ok {
		return nil
	}
	cutoff := t.now().Add(-t.limits.Window)
	i := 0
	for i < len(list) && !list[i].Timestamp.After(cutoff) {
		i++
	}
	if i == len(list) {
		delete(t.byUser, userID)
		return nil
	}
	if i > 0 {
		list = append([]persistence.UsageRecord(nil), list[i:]...)
		t.byUser[userID] = list
	}
	return list
}

func aggregate(recs []persistence.UsageRecord) Stats {
	s := Stats{
		ByProvider:     make(map[string]int),
		CostByProvider: make(map[string]float64),
	}
	for i := range recs {
		r := &recs[i]
		s.Requests++
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.Tokens += r.Tokens
		s.Cost += r.Cost
		if r.Provider != "" {
			s.ByProvider[r.Provider]++
			s.CostByProvider[r.Provider] += r.Cost
		}
	}
	return s
}
