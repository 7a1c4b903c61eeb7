package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/circuitbreaker"
	"github.com/BaSui01/agentorch/workflow"
)

var (
	_ llm.Recorder      = (*Collector)(nil)
	_ workflow.Recorder = (*Collector)(nil)
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 llm.Recorder 与 workflow.Recorder
type Collector struct {
	reg prometheus.Gatherer

	// AI 调用指标
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	tokensUsed           *prometheus.CounterVec
	costTotal            *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec
	breakerState         *prometheus.GaugeVec

	// 工作流指标
	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowsActive   prometheus.Gauge
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	checkpointsTotal  *prometheus.CounterVec
	rollbacksTotal    *prometheus.CounterVec

	// 存储指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	sweptTotal        *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用一个新的 Registry。
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	c := &Collector{
		reg:    reg,
		logger: logger.With(zap.String("component", "metrics")),
	}

	// AI 调用指标
	c.providerCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of AI provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	c.providerCallDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "AI provider call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	c.tokensUsed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	c.costTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total AI cost in USD",
		},
		[]string{"provider"},
	)

	c.rateLimitedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of calls rejected by usage limits",
		},
		[]string{"reason"},
	)

	c.breakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	// 工作流指标
	c.workflowsStarted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflows started",
		},
		[]string{"template"},
	)

	c.workflowsFinished = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows reaching a terminal status",
		},
		[]string{"template", "status"},
	)

	c.workflowsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Number of workflows not yet in a terminal status",
		},
	)

	c.stepsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed workflow steps by outcome",
		},
		[]string{"agent_id", "outcome"},
	)

	c.stepDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent_id"},
	)

	c.checkpointsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints created",
		},
		[]string{"kind"},
	)

	c.rollbacksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks",
		},
		[]string{"mode", "result"},
	)

	// 存储指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.sweptTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_swept_total",
			Help:      "Total number of records removed by retention sweeps",
		},
		[]string{"kind"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// =============================================================================
// 🤖 AI 调用指标记录
// =============================================================================

// RecordProviderCall 实现 llm.Recorder
func (c *Collector) RecordProviderCall(provider, outcome string, latency time.Duration) {
	c.providerCallsTotal.WithLabelValues(provider, outcome).Inc()
	c.providerCallDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordUsage 实现 llm.Recorder
func (c *Collector) RecordUsage(provider string, promptTokens, completionTokens int, cost float64) {
	c.tokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	if cost > 0 {
		c.costTotal.WithLabelValues(provider).Add(cost)
	}
}

// RecordRateLimited 实现 llm.Recorder
func (c *Collector) RecordRateLimited(reason string) {
	c.rateLimitedTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerState 实现 llm.Recorder
func (c *Collector) RecordBreakerState(provider string, state circuitbreaker.State) {
	c.breakerState.WithLabelValues(provider).Set(float64(state))
	if state == circuitbreaker.StateOpen {
		c.logger.Warn("circuit breaker opened", zap.String("provider", provider))
	}
}

// =============================================================================
// 🔄 工作流指标记录
// =============================================================================

// RecordWorkflowStarted 实现 workflow.Recorder
func (c *Collector) RecordWorkflowStarted(template string) {
	c.workflowsStarted.WithLabelValues(templateLabel(template)).Inc()
	c.workflowsActive.Inc()
}

// RecordWorkflowFinished 实现 workflow.Recorder
func (c *Collector) RecordWorkflowFinished(template string, status workflow.Status) {
	c.workflowsFinished.WithLabelValues(templateLabel(template), string(status)).Inc()
	c.workflowsActive.Dec()
}

// RecordStep 实现 workflow.Recorder
func (c *Collector) RecordStep(agentID, outcome string, d time.Duration) {
	c.stepsTotal.WithLabelValues(agentID, outcome).Inc()
	c.stepDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// RecordCheckpoint 实现 workflow.Recorder
func (c *Collector) RecordCheckpoint(kind string) {
	c.checkpointsTotal.WithLabelValues(kind).Inc()
}

// RecordRollback 实现 workflow.Recorder
func (c *Collector) RecordRollback(automatic, ok bool) {
	mode := "manual"
	if automatic {
		mode = "automatic"
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.rollbacksTotal.WithLabelValues(mode, result).Inc()
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordSweep 记录保留期清理删除的记录数
func (c *Collector) RecordSweep(kind string, n int64) {
	if n > 0 {
		c.sweptTotal.WithLabelValues(kind).Add(float64(n))
	}
}

func templateLabel(t string) string {
	if t == "" {
		return "custom"
	}
	return t
}
