package workflow

import (
	"time"

	"github.com/BaSui01/agentorch/types"
)

// Status 工作流状态
type Status string

const (
	StatusInitializing         Status = "INITIALIZING"
	StatusRunning              Status = "RUNNING"
	StatusPaused               Status = "PAUSED"
	StatusPausedForElicitation Status = "PAUSED_FOR_ELICITATION"
	StatusRollingBack          Status = "ROLLING_BACK"
	StatusRolledBack           Status = "ROLLED_BACK"
	StatusCompleted            Status = "COMPLETED"
	StatusError                Status = "ERROR"
	StatusCancelled            Status = "CANCELLED"
)

// validTransitions 合法的状态迁移表，终态没有出边
var validTransitions = map[Status][]Status{
	StatusInitializing:         {StatusRunning, StatusError, StatusCancelled},
	StatusRunning:              {StatusPaused, StatusPausedForElicitation, StatusRollingBack, StatusCompleted, StatusError, StatusCancelled},
	StatusPaused:               {StatusRunning, StatusRollingBack, StatusCancelled},
	StatusPausedForElicitation: {StatusRunning, StatusRollingBack, StatusCancelled},
	StatusRollingBack:          {StatusRolledBack, StatusError, StatusCancelled},
	StatusRolledBack:           {StatusRunning, StatusPaused, StatusRollingBack, StatusCancelled},
}

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition 判断 from → to 是否合法
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step 序列中的一个 Agent 回合。校验通过后不可变。
type Step struct {
	AgentID     string        `json:"agent_id" yaml:"agent"`
	Role        string        `json:"role,omitempty" yaml:"role"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Order       int           `json:"order" yaml:"-"`
}

// Artifact 步骤产出的具名内容
type Artifact struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	Content   string            `json:"content"`
	AgentID   string            `json:"agent_id"`
	Step      int               `json:"step"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ErrorType 错误记录类型
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeExecution ErrorType = "execution_error"
	ErrorTypeCritical  ErrorType = "critical_failure"
)

// ErrorEntry 工作流错误列表中的一项
type ErrorEntry struct {
	Type      ErrorType `json:"type"`
	AgentID   string    `json:"agent_id"`
	Step      int       `json:"step"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ElicitationRequest 等待人工输入的请求，仅在 PAUSED_FOR_ELICITATION 时存在
type ElicitationRequest struct {
	AgentID   string    `json:"agent_id"`
	Step      int       `json:"step"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageType 消息类型
type MessageType string

const (
	MessageActivation          MessageType = "activation"
	MessageCompletion          MessageType = "completion"
	MessageError               MessageType = "error"
	MessageInterAgent          MessageType = "inter_agent"
	MessageElicitationRequest  MessageType = "elicitation_request"
	MessageElicitationResponse MessageType = "elicitation_response"
	MessageSystem              MessageType = "system"
	MessageWorkflowComplete    MessageType = "workflow_complete"
)

// Valid 是否为已知消息类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageActivation, MessageCompletion, MessageError, MessageInterAgent,
		MessageElicitationRequest, MessageElicitationResponse, MessageSystem, MessageWorkflowComplete:
		return true
	}
	return false
}

// Message 工作流消息，只追加
type Message struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Type       MessageType       `json:"type"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// 消息收发方的保留名
const (
	ParticipantSystem = "system"
	ParticipantUser   = "user"
	ParticipantAll    = "all"
)

// Workflow 一次完整的 Agent 序列运行
type Workflow struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Template           string              `json:"template,omitempty"`
	UserID             string              `json:"user_id,omitempty"`
	Sequence           []Step              `json:"sequence"`
	Status             Status              `json:"status"`
	CurrentStepIndex   int                 `json:"current_step_index"`
	CurrentAgentID     string              `json:"current_agent_id,omitempty"`
	Context            map[string]string   `json:"context,omitempty"`
	Artifacts          []Artifact          `json:"artifacts"`
	Messages           []Message           `json:"messages"`
	Errors             []ErrorEntry        `json:"errors"`
	ElicitationPending *ElicitationRequest `json:"elicitation_pending,omitempty"`
	CheckpointEnabled  bool                `json:"checkpoint_enabled"`
	// LastRollback 最近一次回滚的目标检查点
	LastRollback string `json:"last_rollback,omitempty"`
	// LastError 触发 ERROR 或自动回滚的错误
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// transition 按迁移表切换状态
func (w *Workflow) transition(to Status, now time.Time) error {
	if !CanTransition(w.Status, to) {
		return types.NewInvalidStateError("workflow %s: cannot move from %s to %s", w.ID, w.Status, to)
	}
	w.Status = to
	w.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		w.CompletedAt = &t
	}
	return nil
}

// Clone 深拷贝
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Sequence = append([]Step(nil), w.Sequence...)
	c.Context = cloneStringMap(w.Context)
	c.Artifacts = cloneArtifacts(w.Artifacts)
	c.Messages = cloneMessages(w.Messages)
	c.Errors = append([]ErrorEntry(nil), w.Errors...)
	if w.ElicitationPending != nil {
		p := *w.ElicitationPending
		c.ElicitationPending = &p
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CurrentStep 返回当前步骤，越界时 ok 为 false
func (w *Workflow) CurrentStep() (Step, bool) {
	if w.CurrentStepIndex < 0 || w.CurrentStepIndex >= len(w.Sequence) {
		return Step{}, false
	}
	return w.Sequence[w.CurrentStepIndex], true
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneArtifacts(in []Artifact) []Artifact {
	if in == nil {
		return nil
	}
	out := make([]Artifact, len(in))
	for i, a := range in {
		a.Metadata = cloneStringMap(a.Metadata)
		out[i] = a
	}
	return out
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		m.Metadata = cloneStringMap(m.Metadata)
		out[i] = m
	}
	return out
}
