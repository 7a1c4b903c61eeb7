package llm

import (
	"time"

	"github.com/BaSui01/agentorch/llm/circuitbreaker"
)

// Recorder 接收调用层的度量事件，由 internal/metrics 实现
type Recorder interface {
	// RecordProviderCall outcome 取值 success / TRANSIENT / QUOTA_EXCEEDED / FATAL / circuit_open
	RecordProviderCall(provider, outcome string, latency time.Duration)
	RecordUsage(provider string, promptTokens, completionTokens int, cost float64)
	RecordRateLimited(reason string)
	RecordBreakerState(provider string, state circuitbreaker.State)
}

// NopRecorder 丢弃所有事件
type NopRecorder struct{}

func (NopRecorder) RecordProviderCall(string, string, time.Duration) {}
func (NopRecorder) RecordUsage(string, int, int, float64)            {}
func (NopRecorder) RecordRateLimited(string)                         {}
func (NopRecorder) RecordBreakerState(string, circuitbreaker.State)  {}
