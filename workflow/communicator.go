package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// ChannelStatus Agent 通道状态
type ChannelStatus string

const (
	ChannelIdle      ChannelStatus = "idle"
	ChannelActive    ChannelStatus = "active"
	ChannelCompleted ChannelStatus = "completed"
	ChannelError     ChannelStatus = "error"
)

// AgentChannel 单个 Agent 在某个工作流中的进度记录
type AgentChannel struct {
	AgentID   string        `json:"agent_id"`
	Status    ChannelStatus `json:"status"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Progress 工作流的 Agent 进度汇总
type Progress struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Errored   int `json:"errored"`
}

// HistoryQuery 消息历史过滤条件。Limit > 0 时按最新优先返回。
type HistoryQuery struct {
	Type    MessageType
	AgentID string
	Limit   int
}

// EventListener 进程内观察者
type EventListener func(Event)

// Communicator 维护每个工作流只追加的消息日志，按类型派发事件，并跟踪 Agent 通道状态
type Communicator struct {
	mu        sync.RWMutex
	logs      map[string][]Message
	channels  map[string]map[string]*AgentChannel
	listeners []EventListener

	publisher NotificationPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewCommunicator 创建通信器，publisher 可为 nil
func NewCommunicator(publisher NotificationPublisher, logger *zap.Logger) *Communicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Communicator{
		logs:      make(map[string][]Message),
		channels:  make(map[string]map[string]*AgentChannel),
		publisher: publisher,
		logger:    logger.With(zap.String("component", "agent_communicator")),
		now:       time.Now,
	}
}

// Subscribe 注册进程内观察者
func (c *Communicator) Subscribe(l EventListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// RegisterAgents 为序列中的 Agent 建立 idle 通道，已存在的不覆盖
func (c *Communicator) RegisterAgents(workflowID string, agentIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chs := c.channels[workflowID]
	if chs == nil {
		chs = make(map[string]*AgentChannel)
		c.channels[workflowID] = chs
	}
	for _, id := range agentIDs {
		if _, ok := chs[id]; !ok {
			chs[id] = &AgentChannel{AgentID: id, Status: ChannelIdle}
		}
	}
}

// Restore 用持久化的消息重建日志与通道状态，不派发事件。
// 已有日志的工作流不受影响，返回是否执行了重建。
func (c *Communicator) Restore(workflowID string, agentIDs []string, msgs []Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.logs[workflowID]; ok {
		return false
	}
	chs := make(map[string]*AgentChannel, len(agentIDs))
	for _, id := range agentIDs {
		chs[id] = &AgentChannel{AgentID: id, Status: ChannelIdle}
	}
	c.channels[workflowID] = chs
	log := cloneMessages(msgs)
	if log == nil {
		log = []Message{}
	}
	c.logs[workflowID] = log
	for _, m := range log {
		c.updateChannelLocked(workflowID, m)
	}
	return true
}

// Forget 释放工作流的日志与通道，之后可由 Restore 重建
func (c *Communicator) Forget(workflowID string) {
	c.mu.Lock()
	delete(c.logs, workflowID)
	delete(c.channels, workflowID)
	c.mu.Unlock()
}

// SendMessage 校验并追加消息，分配 ID 与时间戳后派发事件
func (c *Communicator) SendMessage(ctx context.Context, workflowID string, msg Message) (Message, error) {
	if workflowID == "" {
		return Message{}, types.NewValidationError("message requires a workflow id")
	}
	if msg.From == "" || msg.To == "" || msg.Type == "" {
		return Message{}, types.NewValidationError("message requires from, to and type")
	}
	if !msg.Type.Valid() {
		return Message{}, types.NewValidationError("unknown message type %q", msg.Type)
	}

	msg.ID = uuid.NewString()
	msg.WorkflowID = workflowID
	msg.Timestamp = c.now()
	msg.Metadata = cloneStringMap(msg.Metadata)

	c.mu.Lock()
	c.logs[workflowID] = append(c.logs[workflowID], msg)
	c.updateChannelLocked(workflowID, msg)
	listeners := append([]EventListener(nil), c.listeners...)
	c.mu.Unlock()

	if ev, ok := eventFor(msg); ok {
		for _, l := range listeners {
			l(ev)
		}
		if c.publisher != nil {
			if err := c.publisher.Publish(ctx, ev); err != nil {
				c.logger.Warn("publish event failed",
					zap.String("workflow_id", workflowID),
					zap.String("event", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
	return msg, nil
}

func (c *Communicator) updateChannelLocked(workflowID string, msg Message) {
	var agentID string
	var status ChannelStatus
	switch msg.Type {
	case MessageActivation:
		agentID, status = msg.To, ChannelActive
	case MessageCompletion:
		agentID, status = msg.From, ChannelCompleted
	case MessageError:
		agentID, status = msg.From, ChannelError
	default:
		return
	}
	if agentID == ParticipantSystem || agentID == ParticipantAll {
		return
	}
	chs := c.channels[workflowID]
	if chs == nil {
		chs = make(map[string]*AgentChannel)
		c.channels[workflowID] = chs
	}
	ch := chs[agentID]
	if ch == nil {
		ch = &AgentChannel{AgentID: agentID}
		chs[agentID] = ch
	}
	ch.Status = status
	t := msg.Timestamp
	if status == ChannelActive {
		ch.StartedAt = &t
		ch.EndedAt = nil
	} else {
		ch.EndedAt = &t
	}
}

// eventFor 按消息类型映射事件，system 与 elicitation_response 不产生事件
func eventFor(msg Message) (Event, bool) {
	ev := Event{
		WorkflowID:  msg.WorkflowID,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
	}
	switch msg.Type {
	case MessageActivation:
		ev.Type, ev.AgentID = EventAgentActivated, msg.To
	case MessageCompletion:
		ev.Type, ev.AgentID = EventAgentCompleted, msg.From
	case MessageError:
		ev.Type, ev.AgentID = EventWorkflowError, msg.From
	case MessageInterAgent:
		ev.Type, ev.AgentID = EventAgentCommunication, msg.From
	case MessageElicitationRequest:
		ev.Type, ev.AgentID = EventElicitationRequired, msg.From
	case MessageWorkflowComplete:
		ev.Type = EventWorkflowCompleted
	default:
		return Event{}, false
	}
	return ev, true
}

// GetMessageHistory 返回过滤后的只读消息视图
func (c *Communicator) GetMessageHistory(workflowID string, q HistoryQuery) []Message {
	c.mu.RLock()
	log := c.logs[workflowID]
	out := make([]Message, 0, len(log))
	for _, m := range log {
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if q.AgentID != "" && m.From != q.AgentID && m.To != q.AgentID {
			continue
		}
		out = append(out, m)
	}
	c.mu.RUnlock()

	out = cloneMessages(out)
	if q.Limit <= 0 {
		return out
	}
	if len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Channels 返回工作流所有 Agent 通道，按 AgentID 排序
func (c *Communicator) Channels(workflowID string) []AgentChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentChannel, 0, len(c.channels[workflowID]))
	for _, ch := range c.channels[workflowID] {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Progress 汇总通道状态
func (c *Communicator) Progress(workflowID string) Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var p Progress
	for _, ch := range c.channels[workflowID] {
		p.Total++
		switch ch.Status {
		case ChannelActive:
			p.Active++
		case ChannelCompleted:
			p.Completed++
		case ChannelError:
			p.Errored++
		default:
			p.Idle++
		}
	}
	return p
}
