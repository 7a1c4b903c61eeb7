package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/llm/circuitbreaker"
	"github.com/BaSui01/agentorch/workflow"
)

func newTestCollector() *Collector {
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	c := NewCollector("test", nil, nil)
	assert.NotNil(t, c.providerCallsTotal)
	assert.NotNil(t, c.stepsTotal)
	assert.NotNil(t, c.Handler())

	// 同一 Registry 上重复注册会 panic，不同 Registry 互不影响
	assert.NotPanics(t, func() { newTestCollector(); newTestCollector() })
}

func TestCollector_ProviderCalls(t *testing.T) {
	c := newTestCollector()

	c.RecordProviderCall("openai", "success", 200*time.Millisecond)
	c.RecordProviderCall("openai", "success", 300*time.Millisecond)
	c.RecordProviderCall("openai", "TRANSIENT", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.providerCallsTotal.WithLabelValues("openai", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerCallsTotal.WithLabelValues("openai", "TRANSIENT")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.providerCallDuration))
}

func TestCollector_Usage(t *testing.T) {
	c := newTestCollector()

	c.RecordUsage("gemini", 100, 50, 0.01)
	c.RecordUsage("gemini", 10, 5, 0)

	assert.Equal(t, 110.0, testutil.ToFloat64(c.tokensUsed.WithLabelValues("gemini", "prompt")))
	assert.Equal(t, 55.0, testutil.ToFloat64(c.tokensUsed.WithLabelValues("gemini", "completion")))
	assert.InDelta(t, 0.01, testutil.ToFloat64(c.costTotal.WithLabelValues("gemini")), 1e-9)
}

func TestCollector_RateLimitedAndBreaker(t *testing.T) {
	c := newTestCollector()

	c.RecordRateLimited("daily_requests")
	c.RecordBreakerState("openai", circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimitedTotal.WithLabelValues("daily_requests")))
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(c.breakerState.WithLabelValues("openai")))

	c.RecordBreakerState("openai", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("openai")))
}

func TestCollector_WorkflowLifecycle(t *testing.T) {
	c := newTestCollector()

	c.RecordWorkflowStarted("greenfield")
	c.RecordWorkflowStarted("")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsStarted.WithLabelValues("custom")))

	c.RecordStep("pm", "success", time.Second)
	c.RecordStep("pm", "timeout", 2*time.Second)
	c.RecordCheckpoint("before_agent")
	c.RecordRollback(true, true)
	c.RecordRollback(false, false)
	c.RecordWorkflowFinished("greenfield", workflow.StatusCompleted)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsFinished.WithLabelValues("greenfield", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("pm", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointsTotal.WithLabelValues("before_agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rollbacksTotal.WithLabelValues("automatic", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rollbacksTotal.WithLabelValues("manual", "failed")))
}

func TestCollector_StorageMetrics(t *testing.T) {
	c := newTestCollector()

	c.RecordDBConnections("postgres", 10, 4)
	c.RecordSweep("checkpoints", 3)
	c.RecordSweep("usage", 0)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("postgres")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweptTotal.WithLabelValues("checkpoints")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sweptTotal))
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector()
	c.RecordProviderCall("openai", "success", time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_provider_calls_total{outcome="success",provider="openai"} 1`)
}

// =============================================================================
// 🔄 并发测试
// =============================================================================

func TestCollector_Concurrent(t *testing.T) {
	c := newTestCollector()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				c.RecordStep("dev", "success", time.Millisecond)
				c.RecordUsage("openai", 1, 1, 0)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 800.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("dev", "success")))
}
