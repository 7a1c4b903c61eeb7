package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/agentorch/llm"
)

// AgentDefinition Agent 人设，用于构造提示词
type AgentDefinition struct {
	ID           string   `json:"id" yaml:"id"`
	Identity     string   `json:"identity" yaml:"identity"`
	Role         string   `json:"role" yaml:"role"`
	Principles   []string `json:"principles,omitempty" yaml:"principles"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	// Complexity 覆盖引擎默认的调用复杂度
	Complexity string `json:"complexity,omitempty" yaml:"complexity"`
	Model      string `json:"model,omitempty" yaml:"model"`
}

// AgentDefinitionProvider 按 ID 解析 Agent 定义
type AgentDefinitionProvider interface {
	GetAgent(ctx context.Context, agentID string) (*AgentDefinition, error)
}

// WorkflowSequenceProvider 按模板名返回有序步骤
type WorkflowSequenceProvider interface {
	GetSequence(ctx context.Context, template string) ([]Step, error)
}

// ArtifactSink 接收完成工作流的产物用于持久导出
type ArtifactSink interface {
	Export(ctx context.Context, workflowID string, artifacts []Artifact) error
}

// EventType 观察者事件类型
type EventType string

const (
	EventAgentActivated      EventType = "agent:activated"
	EventAgentCompleted      EventType = "agent:completed"
	EventWorkflowError       EventType = "workflow:error"
	EventAgentCommunication  EventType = "agent:communication"
	EventElicitationRequired EventType = "workflow:elicitation"
	EventWorkflowCompleted   EventType = "workflow:completed"
)

// Event 进度事件
type Event struct {
	Type        EventType   `json:"type"`
	WorkflowID  string      `json:"workflow_id"`
	AgentID     string      `json:"agent_id,omitempty"`
	MessageID   string      `json:"message_id"`
	MessageType MessageType `json:"message_type"`
	Content     string      `json:"content,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NotificationPublisher 将进度事件扇出到外部
type NotificationPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Caller 执行一次 AI 调用，*llm.Invoker 满足该接口
type Caller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)
}

// CallerFunc 函数适配器
type CallerFunc func(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)

// Call 实现 Caller
func (f CallerFunc) Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error) {
	return f(ctx, req)
}

// Recorder 引擎指标出口
type Recorder interface {
	RecordWorkflowStarted(template string)
	RecordWorkflowFinished(template string, status Status)
	RecordStep(agentID, outcome string, d time.Duration)
	RecordCheckpoint(kind string)
	RecordRollback(automatic, ok bool)
}

// NopRecorder 空实现
type NopRecorder struct{}

func (NopRecorder) RecordWorkflowStarted(string)             {}
func (NopRecorder) RecordWorkflowFinished(string, Status)    {}
func (NopRecorder) RecordStep(string, string, time.Duration) {}
func (NopRecorder) RecordCheckpoint(string)                  {}
func (NopRecorder) RecordRollback(bool, bool)                {}
