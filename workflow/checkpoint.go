package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
)

// 检查点类型标签
const (
	CheckpointWorkflowInitialized = "workflow_initialized"
	checkpointBeforeAgentPrefix   = "before_agent_"
	checkpointAfterAgentPrefix    = "after_agent_"
)

// DefaultCheckpointRingSize 每个工作流内存中保留的检查点元数据条数
const DefaultCheckpointRingSize = 10

// BeforeAgentTag 步骤执行前的检查点类型
func BeforeAgentTag(agentID string) string { return checkpointBeforeAgentPrefix + agentID }

// AfterAgentTag 步骤完成后的检查点类型
func AfterAgentTag(agentID string) string { return checkpointAfterAgentPrefix + agentID }

// checkpointKind 去掉 Agent 后缀，用作指标标签
func checkpointKind(typ string) string {
	switch {
	case strings.HasPrefix(typ, checkpointBeforeAgentPrefix):
		return "before_agent"
	case strings.HasPrefix(typ, checkpointAfterAgentPrefix):
		return "after_agent"
	default:
		return typ
	}
}

// Snapshot 工作流可变字段的深拷贝
type Snapshot struct {
	StepIndex int               `json:"step_index"`
	AgentID   string            `json:"agent_id,omitempty"`
	Artifacts []Artifact        `json:"artifacts"`
	Messages  []Message         `json:"messages"`
	Errors    []ErrorEntry      `json:"errors"`
	Context   map[string]string `json:"context,omitempty"`
}

// Checkpoint 不可变的工作流快照
type Checkpoint struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Seq         int64     `json:"seq"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Step        int       `json:"step"`
	State       Snapshot  `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckpointInfo 检查点元数据，用于快速列表
type CheckpointInfo struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Seq         int64     `json:"seq"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Step        int       `json:"step"`
	CreatedAt   time.Time `json:"created_at"`
}

func snapshotOf(wf *Workflow) Snapshot {
	return Snapshot{
		StepIndex: wf.CurrentStepIndex,
		AgentID:   wf.CurrentAgentID,
		Artifacts: cloneArtifacts(wf.Artifacts),
		Messages:  cloneMessages(wf.Messages),
		Errors:    append([]ErrorEntry(nil), wf.Errors...),
		Context:   cloneStringMap(wf.Context),
	}
}

func applySnapshot(wf *Workflow, s Snapshot) {
	wf.CurrentStepIndex = s.StepIndex
	wf.CurrentAgentID = s.AgentID
	wf.Artifacts = cloneArtifacts(s.Artifacts)
	wf.Messages = cloneMessages(s.Messages)
	wf.Errors = append([]ErrorEntry(nil), s.Errors...)
	wf.Context = cloneStringMap(s.Context)
}

// CheckpointManager 负责检查点的创建、列举与回滚。
// 完整记录写入持久化存储，每个工作流最近 ringSize 条元数据保留在内存中。
type CheckpointManager struct {
	store    persistence.Store
	ringSize int
	comm     *Communicator
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	rings map[string][]CheckpointInfo
	seqs  map[string]int64
}

// NewCheckpointManager 创建检查点管理器，comm 为 nil 时回滚不发送系统消息
func NewCheckpointManager(store persistence.Store, ringSize int, comm *Communicator, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ringSize <= 0 {
		ringSize = DefaultCheckpointRingSize
	}
	return &CheckpointManager{
		store:    store,
		ringSize: ringSize,
		comm:     comm,
		recorder: NopRecorder{},
		logger:   logger.With(zap.String("component", "checkpoint_manager")),
		now:      time.Now,
		rings:    make(map[string][]CheckpointInfo),
		seqs:     make(map[string]int64),
	}
}

// Create 快照工作流并写入存储。工作流未启用检查点时返回 nil, nil。
func (m *CheckpointManager) Create(ctx context.Context, wf *Workflow, typ, description string) (*Checkpoint, error) {
	if !wf.CheckpointEnabled {
		return nil, nil
	}
	seq, err := m.nextSeq(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Seq:         seq,
		Type:        typ,
		Description: description,
		Step:        wf.CurrentStepIndex,
		State:       snapshotOf(wf),
		CreatedAt:   m.now(),
	}
	data, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	rec := &persistence.CheckpointRecord{
		ID:          cp.ID,
		WorkflowID:  cp.WorkflowID,
		Seq:         cp.Seq,
		Type:        cp.Type,
		Description: cp.Description,
		Step:        cp.Step,
		Snapshot:    string(data),
		CreatedAt:   cp.CreatedAt,
	}
	if err := m.store.SaveCheckpoint(ctx, rec); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	m.mu.Lock()
	ring := append(m.rings[wf.ID], infoOf(cp))
	if len(ring) > m.ringSize {
		ring = append([]CheckpointInfo(nil), ring[len(ring)-m.ringSize:]...)
	}
	m.rings[wf.ID] = ring
	m.mu.Unlock()

	m.recorder.RecordCheckpoint(checkpointKind(typ))
	m.logger.Debug("checkpoint created",
		zap.String("workflow_id", wf.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("type", typ),
		zap.Int("step", cp.Step))
	return cp, nil
}

// nextSeq 返回工作流内单调递增的序号，首次使用时从存储恢复
func (m *CheckpointManager) nextSeq(ctx context.Context, workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.seqs[workflowID]
	if !ok {
		recs, err := m.store.ListCheckpoints(ctx, workflowID)
		if err != nil {
			return 0, fmt.Errorf("list checkpoints: %w", err)
		}
		if n := len(recs); n > 0 {
			last = recs[n-1].Seq
		}
	}
	last++
	m.seqs[workflowID] = last
	return last, nil
}

// Get 从存储读取完整检查点，不属于该工作流时视为不存在
func (m *CheckpointManager) Get(ctx context.Context, workflowID, checkpointID string) (*Checkpoint, error) {
	rec, err := m.store.FindCheckpoint(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("checkpoint %s not found", checkpointID).WithCause(err)
		}
		return nil, fmt.Errorf("find checkpoint: %w", err)
	}
	if rec.WorkflowID != workflowID {
		return nil, types.NewNotFoundError("checkpoint %s not found for workflow %s", checkpointID, workflowID)
	}
	return checkpointFromRecord(rec)
}

func checkpointFromRecord(rec *persistence.CheckpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          rec.ID,
		WorkflowID:  rec.WorkflowID,
		Seq:         rec.Seq,
		Type:        rec.Type,
		Description: rec.Description,
		Step:        rec.Step,
		CreatedAt:   rec.CreatedAt,
	}
	if err := json.Unmarshal([]byte(rec.Snapshot), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", rec.ID, err)
	}
	return cp, nil
}

func infoOf(cp *Checkpoint) CheckpointInfo {
	return CheckpointInfo{
		ID:          cp.ID,
		WorkflowID:  cp.WorkflowID,
		Seq:         cp.Seq,
		Type:        cp.Type,
		Description: cp.Description,
		Step:        cp.Step,
		CreatedAt:   cp.CreatedAt,
	}
}

// List 返回内存中最近的检查点，按创建顺序
func (m *CheckpointManager) List(workflowID string) []CheckpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheckpointInfo(nil), m.rings[workflowID]...)
}

// ListDurable 返回存储中该工作流的全部检查点，按创建顺序
func (m *CheckpointManager) ListDurable(ctx context.Context, workflowID string) ([]CheckpointInfo, error) {
	recs, err := m.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]CheckpointInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, CheckpointInfo{
			ID:          r.ID,
			WorkflowID:  r.WorkflowID,
			Seq:         r.Seq,
			Type:        r.Type,
			Description: r.Description,
			Step:        r.Step,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// Forget 释放工作流的内存元数据，存储中的记录不受影响
func (m *CheckpointManager) Forget(workflowID string) {
	m.mu.Lock()
	delete(m.rings, workflowID)
	m.mu.Unlock()
}

// RollbackToCheckpoint 将工作流恢复到检查点：ROLLING_BACK → 恢复快照 → ROLLED_BACK。
// 不会自动继续执行。调用方需持有工作流锁。
func (m *CheckpointManager) RollbackToCheckpoint(ctx context.Context, wf *Workflow, checkpointID string) (*Checkpoint, error) {
	cp, err := m.Get(ctx, wf.ID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := wf.transition(StatusRollingBack, m.now()); err != nil {
		return nil, err
	}

	applySnapshot(wf, cp.State)
	wf.ElicitationPending = nil
	wf.LastRollback = cp.ID
	if err := wf.transition(StatusRolledBack, m.now()); err != nil {
		return nil, err
	}

	if m.comm != nil {
		msg, err := m.comm.SendMessage(ctx, wf.ID, Message{
			From:     ParticipantSystem,
			To:       ParticipantAll,
			Type:     MessageSystem,
			Content:  fmt.Sprintf("rolled back to checkpoint %s (%s)", cp.ID, cp.Type),
			Metadata: map[string]string{"checkpoint_id": cp.ID, "checkpoint_type": cp.Type},
		})
		if err == nil {
			wf.Messages = append(wf.Messages, msg)
		}
	}

	m.logger.Info("workflow rolled back",
		zap.String("workflow_id", wf.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("type", cp.Type),
		zap.Int("step", cp.Step))
	return cp, nil
}

// AutoRollback 从最新的检查点开始查找，跳过当前失败 Agent 的 before 检查点，
// 回滚到第一个可用的检查点。没有可用检查点时返回 false，由调用方置为 ERROR。
func (m *CheckpointManager) AutoRollback(ctx context.Context, wf *Workflow, cause error) (*Checkpoint, bool) {
	candidates := m.List(wf.ID)
	if len(candidates) == 0 {
		durable, err := m.ListDurable(ctx, wf.ID)
		if err != nil {
			m.logger.Warn("auto rollback: list checkpoints failed", zap.String("workflow_id", wf.ID), zap.Error(err))
			return nil, false
		}
		candidates = durable
	}

	exclude := BeforeAgentTag(wf.CurrentAgentID)
	for i := len(candidates) - 1; i >= 0; i-- {
		info := candidates[i]
		if info.Type == exclude {
			continue
		}
		cp, err := m.RollbackToCheckpoint(ctx, wf, info.ID)
		if err != nil {
			m.logger.Warn("auto rollback candidate failed",
				zap.String("workflow_id", wf.ID),
				zap.String("checkpoint_id", info.ID),
				zap.Error(err))
			continue
		}
		m.logger.Warn("auto rollback after critical failure",
			zap.String("workflow_id", wf.ID),
			zap.String("checkpoint_id", cp.ID),
			zap.NamedError("cause", cause))
		return cp, true
	}
	return nil, false
}
