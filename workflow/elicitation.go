package workflow

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// ElicitationController 处理人工介入的暂停与恢复。
// 暂停时不推进步骤索引，恢复后重新执行发起请求的同一步骤。
type ElicitationController struct {
	comm   *Communicator
	logger *zap.Logger
	now    func() time.Time
}

// NewElicitationController 创建控制器
func NewElicitationController(comm *Communicator, logger *zap.Logger) *ElicitationController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElicitationController{
		comm:   comm,
		logger: logger.With(zap.String("component", "elicitation")),
		now:    time.Now,
	}
}

// Pause 保存请求内容并进入 PAUSED_FOR_ELICITATION，CurrentStepIndex 保持不变
func (c *ElicitationController) Pause(ctx context.Context, wf *Workflow, agentID, content string) error {
	if err := wf.transition(StatusPausedForElicitation, c.now()); err != nil {
		return err
	}
	wf.ElicitationPending = &ElicitationRequest{
		AgentID:   agentID,
		Step:      wf.CurrentStepIndex,
		Content:   content,
		CreatedAt: c.now(),
	}
	msg, err := c.comm.SendMessage(ctx, wf.ID, Message{
		From:     agentID,
		To:       ParticipantUser,
		Type:     MessageElicitationRequest,
		Content:  content,
		Metadata: map[string]string{"step": strconv.Itoa(wf.CurrentStepIndex)},
	})
	if err != nil {
		return err
	}
	wf.Messages = append(wf.Messages, msg)

	c.logger.Info("workflow paused for elicitation",
		zap.String("workflow_id", wf.ID),
		zap.String("agent_id", agentID),
		zap.Int("step", wf.CurrentStepIndex))
	return nil
}

// Resume 记录回答、清除挂起请求并回到 RUNNING。agentID 为空时取挂起请求的 Agent。
func (c *ElicitationController) Resume(ctx context.Context, wf *Workflow, response, agentID string) error {
	if wf.Status != StatusPausedForElicitation || wf.ElicitationPending == nil {
		return types.NewInvalidStateError("workflow %s is not waiting for elicitation (status %s)", wf.ID, wf.Status)
	}
	pending := wf.ElicitationPending
	if agentID == "" {
		agentID = pending.AgentID
	}
	if agentID != pending.AgentID {
		return types.NewValidationError("elicitation is pending for agent %s, not %s", pending.AgentID, agentID)
	}

	msg, err := c.comm.SendMessage(ctx, wf.ID, Message{
		From:     ParticipantUser,
		To:       agentID,
		Type:     MessageElicitationResponse,
		Content:  response,
		Metadata: map[string]string{"step": strconv.Itoa(pending.Step)},
	})
	if err != nil {
		return err
	}
	wf.Messages = append(wf.Messages, msg)
	wf.ElicitationPending = nil
	if err := wf.transition(StatusRunning, c.now()); err != nil {
		return err
	}

	c.logger.Info("elicitation answered",
		zap.String("workflow_id", wf.ID),
		zap.String("agent_id", agentID),
		zap.Int("step", wf.CurrentStepIndex))
	return nil
}

// responsesFor 返回该步骤收到的人工回答，按时间顺序
func responsesFor(wf *Workflow, agentID string, step int) []string {
	var out []string
	idx := strconv.Itoa(step)
	for _, m := range wf.Messages {
		if m.Type == MessageElicitationResponse && m.To == agentID && m.Metadata["step"] == idx {
			out = append(out, m.Content)
		}
	}
	return out
}
