package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/llm"
)

func testAgents() *StaticProvider {
	return NewStaticProvider().
		AddAgent(AgentDefinition{ID: "pm", Identity: "John", Role: "Product Manager", Principles: []string{"user value first"}}).
		AddAgent(AgentDefinition{ID: "architect", Identity: "Winston", Role: "Architect"}).
		AddAgent(AgentDefinition{ID: "dev", Identity: "James", Role: "Developer", Capabilities: []string{"go"}}).
		AddAgent(AgentDefinition{ID: "qa", Identity: "Quinn", Role: "QA"}).
		AddTemplate("greenfield", []Step{
			{AgentID: "pm", Description: "write the PRD"},
			{AgentID: "architect", Description: "design the system"},
			{AgentID: "dev", Description: "implement"},
		})
}

func fastEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Executor = ExecutorConfig{
		StepTimeout:    40 * time.Millisecond,
		MinStepTimeout: 10 * time.Millisecond,
		MaxStepTimeout: time.Second,
		StepRetries:    1,
		Complexity:     llm.ComplexityLow,
	}
	return cfg
}

// agentCaller 按 agent 分派的可编程 Caller，记录每个 agent 的调用次数与请求
type agentCaller struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, n int, req llm.CallRequest) (*llm.CallResult, error)
	calls    map[string]int
	requests []llm.CallRequest
}

func newAgentCaller() *agentCaller {
	return &agentCaller{
		handlers: make(map[string]func(context.Context, int, llm.CallRequest) (*llm.CallResult, error)),
		calls:    make(map[string]int),
	}
}

func (c *agentCaller) on(agentID string, fn func(ctx context.Context, n int, req llm.CallRequest) (*llm.CallResult, error)) *agentCaller {
	c.handlers[agentID] = fn
	return c
}

func (c *agentCaller) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error) {
	c.mu.Lock()
	c.calls[req.AgentID]++
	n := c.calls[req.AgentID]
	c.requests = append(c.requests, req)
	fn := c.handlers[req.AgentID]
	c.mu.Unlock()
	if fn == nil {
		return &llm.CallResult{Content: req.AgentID + " output", Provider: "fake", Model: "fake-1"}, nil
	}
	return fn(ctx, n, req)
}

func (c *agentCaller) count(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[agentID]
}

func (c *agentCaller) lastRequest(agentID string) llm.CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.requests) - 1; i >= 0; i-- {
		if c.requests[i].AgentID == agentID {
			return c.requests[i]
		}
	}
	return llm.CallRequest{}
}

func blockUntilDone(ctx context.Context, _ int, _ llm.CallRequest) (*llm.CallResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func reply(content string) func(context.Context, int, llm.CallRequest) (*llm.CallResult, error) {
	return func(context.Context, int, llm.CallRequest) (*llm.CallResult, error) {
		return &llm.CallResult{Content: content, Provider: "fake"}, nil
	}
}

// memorySink 收集导出的产物
type memorySink struct {
	mu        sync.Mutex
	exported  map[string][]Artifact
	exportErr error
}

func (s *memorySink) Export(_ context.Context, workflowID string, artifacts []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exported == nil {
		s.exported = make(map[string][]Artifact)
	}
	s.exported[workflowID] = append(s.exported[workflowID], artifacts...)
	return s.exportErr
}

// recordingRecorder 记录引擎指标调用
type recordingRecorder struct {
	mu        sync.Mutex
	started   int
	finished  map[Status]int
	steps     map[string]int
	kinds     map[string]int
	rollbacks []bool
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{finished: map[Status]int{}, steps: map[string]int{}, kinds: map[string]int{}}
}

func (r *recordingRecorder) RecordWorkflowStarted(string) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordWorkflowFinished(_ string, s Status) {
	r.mu.Lock()
	r.finished[s]++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordStep(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.steps[outcome]++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordCheckpoint(kind string) {
	r.mu.Lock()
	r.kinds[kind]++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordRollback(automatic, ok bool) {
	r.mu.Lock()
	r.rollbacks = append(r.rollbacks, automatic && ok)
	r.mu.Unlock()
}

func waitFor(t *testing.T, e *Engine, id string) *Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wf, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return wf
}
