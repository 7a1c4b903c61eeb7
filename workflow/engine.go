package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
)

const tracerName = "github.com/BaSui01/agentorch/workflow"

// EngineConfig 引擎配置
type EngineConfig struct {
	Executor           ExecutorConfig
	CheckpointsEnabled bool
	CheckpointRingSize int
	AutoRollback       bool
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Executor:           DefaultExecutorConfig(),
		CheckpointsEnabled: true,
		CheckpointRingSize: DefaultCheckpointRingSize,
		AutoRollback:       true,
	}
}

// EngineConfigFromSettings 从配置文件段构造
func EngineConfigFromSettings(c config.EngineConfig) EngineConfig {
	return EngineConfig{
		Executor: ExecutorConfig{
			StepTimeout:    c.StepTimeout,
			MinStepTimeout: c.MinStepTimeout,
			MaxStepTimeout: c.MaxStepTimeout,
			StepRetries:    c.StepRetries,
			Complexity:     llm.ParseComplexity(c.Complexity),
		},
		CheckpointsEnabled: c.CheckpointsEnabled,
		CheckpointRingSize: c.CheckpointRingSize,
		AutoRollback:       c.AutoRollback,
	}
}

// EngineOption 可选依赖
type EngineOption func(*Engine)

// WithStore 持久化存储，默认内存存储
func WithStore(s persistence.Store) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithArtifactSink 完成时导出产物
func WithArtifactSink(s ArtifactSink) EngineOption {
	return func(e *Engine) { e.artifacts = s }
}

// WithPublisher 进度事件发布
func WithPublisher(p NotificationPublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder 指标记录
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithTracer 替换 OTel tracer
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithInterpreter 替换结果解释器
func WithInterpreter(i ResultInterpreter) EngineOption {
	return func(e *Engine) {
		if i != nil {
			e.interpreter = i
		}
	}
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// StartRequest 启动参数。Sequence 为空时按 Template 从 WorkflowSequenceProvider 获取。
type StartRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name,omitempty"`
	Template string            `json:"template,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Sequence []Step            `json:"sequence,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
	// CheckpointEnabled 为 nil 时取引擎默认
	CheckpointEnabled *bool `json:"checkpoint_enabled,omitempty"`
}

// StatusReport 可随时查询的工作流状态
type StatusReport struct {
	ID                 string              `json:"id"`
	Status             Status              `json:"status"`
	CurrentStepIndex   int                 `json:"current_step_index"`
	TotalSteps         int                 `json:"total_steps"`
	CurrentAgentID     string              `json:"current_agent_id,omitempty"`
	ElicitationPending *ElicitationRequest `json:"elicitation_pending,omitempty"`
	Errors             []ErrorEntry        `json:"errors"`
	LastRollback       string              `json:"last_rollback,omitempty"`
	LastError          string              `json:"last_error,omitempty"`
	Progress           Progress            `json:"progress"`
	Artifacts          int                 `json:"artifacts"`
}

// ListFilter 工作流列表过滤
type ListFilter struct {
	Statuses []Status
	UserID   string
	Template string
	Limit    int
}

// Summary 列表项
type Summary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Template         string     `json:"template,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	Status           Status     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// workflowEntry 单个工作流的缓存项。mu 串行化该工作流的所有状态变更；
// driving 保证同一工作流同时只有一个驱动循环；gen 在外部状态变更时递增，用于丢弃过期的步骤结果。
type workflowEntry struct {
	mu      sync.Mutex
	wf      *Workflow
	driving bool
	gen     uint64
	idle    chan struct{}
}

// Engine 工作流状态机：校验与启动工作流，以循环方式逐步驱动执行，
// 处理暂停、取消、回滚与人工介入，并在终态时移入历史。
type Engine struct {
	cfg         EngineConfig
	sequences   WorkflowSequenceProvider
	agents      AgentDefinitionProvider
	store       persistence.Store
	artifacts   ArtifactSink
	publisher   NotificationPublisher
	recorder    Recorder
	interpreter ResultInterpreter
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time

	comm        *Communicator
	checkpoints *CheckpointManager
	elicitation *ElicitationController
	executor    *StepExecutor

	mu      sync.RWMutex
	active  map[string]*workflowEntry
	history map[string]*workflowEntry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewEngine 创建引擎。caller 通常是 *llm.Invoker。
func NewEngine(cfg EngineConfig, caller Caller, sequences WorkflowSequenceProvider, agents AgentDefinitionProvider, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckpointRingSize <= 0 {
		cfg.CheckpointRingSize = DefaultCheckpointRingSize
	}

	e := &Engine{
		cfg:       cfg,
		sequences: sequences,
		agents:    agents,
		recorder:  NopRecorder{},
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With(zap.String("component", "workflow_engine")),
		now:       time.Now,
		active:    make(map[string]*workflowEntry),
		history:   make(map[string]*workflowEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = persistence.NewMemoryStore()
	}

	e.comm = NewCommunicator(e.publisher, logger)
	e.comm.now = e.now
	e.checkpoints = NewCheckpointManager(e.store, cfg.CheckpointRingSize, e.comm, logger)
	e.checkpoints.now = e.now
	e.checkpoints.recorder = e.recorder
	e.elicitation = NewElicitationController(e.comm, logger)
	e.elicitation.now = e.now
	e.executor = NewStepExecutor(cfg.Executor, caller, agents, logger)
	if e.interpreter != nil {
		e.executor.interpreter = e.interpreter
	}
	e.cfg.Executor = e.executor.Config()

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Communicator 返回消息总线
func (e *Engine) Communicator() *Communicator { return e.comm }

// Checkpoints 返回检查点管理器
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// Start 校验并启动工作流，步骤在后台执行
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Workflow, error) {
	ent, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := e.snapshot(ent)
	e.launch(ent)
	return snapshot, nil
}

// Run 校验并启动工作流，在当前 goroutine 中执行到停止（终态、暂停或等待人工输入）
func (e *Engine) Run(ctx context.Context, req StartRequest) (*Workflow, error) {
	ent, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.beginDrive(ent) {
		e.drive(ctx, ent)
	}
	return e.snapshot(ent), nil
}

func (e *Engine) create(ctx context.Context, req StartRequest) (*workflowEntry, error) {
	if e.closed.Load() {
		return nil, types.NewError(types.ErrNotInitialized, "engine is closed")
	}

	steps := req.Sequence
	if len(steps) == 0 && req.Template != "" {
		if e.sequences == nil {
			return nil, types.NewValidationError("no workflow sequence provider configured")
		}
		var err error
		steps, err = e.sequences.GetSequence(ctx, req.Template)
		if err != nil {
			return nil, types.NewValidationError("template %q cannot be resolved", req.Template).WithCause(err)
		}
	}
	if e.agents == nil {
		return nil, types.NewValidationError("no agent definition provider configured")
	}
	steps, err := ValidateSequence(ctx, steps, e.agents)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if e.exists(ctx, id) {
		return nil, types.NewValidationError("workflow %s already exists", id)
	}

	name := req.Name
	if name == "" {
		name = req.Template
	}
	if name == "" {
		name = id
	}
	checkpoints := e.cfg.CheckpointsEnabled
	if req.CheckpointEnabled != nil {
		checkpoints = *req.CheckpointEnabled
	}
	now := e.now()
	wf := &Workflow{
		ID:                id,
		Name:              name,
		Template:          req.Template,
		UserID:            req.UserID,
		Sequence:          steps,
		Status:            StatusInitializing,
		Context:           cloneStringMap(req.Context),
		Artifacts:         []Artifact{},
		Messages:          []Message{},
		Errors:            []ErrorEntry{},
		CheckpointEnabled: checkpoints,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	e.comm.RegisterAgents(id, sequenceAgents(steps))

	if _, err := e.checkpoints.Create(ctx, wf, CheckpointWorkflowInitialized, "workflow initialized"); err != nil {
		return nil, err
	}
	if err := wf.transition(StatusRunning, e.now()); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, wf); err != nil {
		return nil, err
	}

	ent := &workflowEntry{wf: wf}
	e.mu.Lock()
	if _, dup := e.active[id]; dup {
		e.mu.Unlock()
		return nil, types.NewValidationError("workflow %s already exists", id)
	}
	e.active[id] = ent
	e.mu.Unlock()

	e.recorder.RecordWorkflowStarted(wf.Template)
	e.logger.Info("workflow started",
		zap.String("workflow_id", id),
		zap.String("template", wf.Template),
		zap.String("user_id", wf.UserID),
		zap.Int("steps", len(steps)))
	return ent, nil
}

func (e *Engine) exists(ctx context.Context, id string) bool {
	e.mu.RLock()
	_, a := e.active[id]
	_, h := e.history[id]
	e.mu.RUnlock()
	if a || h {
		return true
	}
	_, err := e.store.FindWorkflow(ctx, id)
	return err == nil
}

// beginDrive 抢占驱动权，已有驱动循环时返回 false
func (e *Engine) beginDrive(ent *workflowEntry) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.driving {
		return false
	}
	ent.driving = true
	ent.idle = make(chan struct{})
	return true
}

func (e *Engine) launch(ent *workflowEntry) {
	if !e.beginDrive(ent) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(e.baseCtx, ent)
	}()
}

// drive 以 CurrentStepIndex 为唯一依据循环执行步骤，直到工作流不再处于 RUNNING
func (e *Engine) drive(ctx context.Context, ent *workflowEntry) {
	defer func() {
		ent.mu.Lock()
		ent.driving = false
		close(ent.idle)
		ent.mu.Unlock()
	}()

	for {
		sc, gen, cont := e.prepareStep(ctx, ent)
		if !cont {
			return
		}
		if sc == nil {
			continue
		}
		res, err := e.runStep(ctx, *sc)
		if !e.finishStep(ctx, ent, *sc, gen, res, err) {
			return
		}
	}
}

// prepareStep 在工作流锁内完成步骤前的状态变更。返回 cont=false 表示结束驱动，
// sc 为 nil 且 cont=true 表示状态已变化需要重新判断。
func (e *Engine) prepareStep(ctx context.Context, ent *workflowEntry) (*StepContext, uint64, bool) {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	wf := ent.wf
	if wf.Status != StatusRunning || ctx.Err() != nil {
		return nil, 0, false
	}
	if wf.CurrentStepIndex >= len(wf.Sequence) {
		e.completeLocked(ctx, ent)
		return nil, 0, false
	}

	step := wf.Sequence[wf.CurrentStepIndex]
	if _, err := e.checkpoints.Create(ctx, wf, BeforeAgentTag(step.AgentID),
		fmt.Sprintf("before %s (step %d)", step.AgentID, wf.CurrentStepIndex)); err != nil {
		e.logger.Warn("checkpoint failed",
			zap.String("workflow_id", wf.ID),
			zap.String("agent_id", step.AgentID),
			zap.Error(err))
	}
	wf.CurrentAgentID = step.AgentID
	wf.UpdatedAt = e.now()

	content := fmt.Sprintf("step %d of %d", wf.CurrentStepIndex+1, len(wf.Sequence))
	if step.Description != "" {
		content += ": " + step.Description
	}
	e.sendLocked(ctx, wf, Message{
		From:     ParticipantSystem,
		To:       step.AgentID,
		Type:     MessageActivation,
		Content:  content,
		Metadata: map[string]string{"role": step.Role},
	})

	sc, err := e.executor.Prepare(ctx, wf)
	if err != nil {
		e.handleCriticalLocked(ctx, ent, err)
		return nil, 0, true
	}
	_ = e.persist(ctx, wf)
	return &sc, ent.gen, true
}

func (e *Engine) runStep(ctx context.Context, sc StepContext) (*StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", sc.WorkflowID),
		attribute.String("agent.id", sc.Step.AgentID),
		attribute.Int("step.index", sc.Index),
	))
	defer span.End()

	res, err := e.executor.ExecuteAgent(ctx, sc)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		span.SetStatus(codes.Error, res.Error)
		span.SetAttributes(attribute.Bool("step.timed_out", res.TimedOut))
	default:
		span.SetAttributes(
			attribute.String("llm.provider", res.Provider),
			attribute.Int("step.attempts", res.Attempts),
			attribute.Bool("step.elicitation", res.ElicitationRequired),
		)
	}
	return res, err
}

// finishStep 在工作流锁内应用步骤结果。返回 false 表示结束驱动。
func (e *Engine) finishStep(ctx context.Context, ent *workflowEntry, sc StepContext, gen uint64, res *StepResult, err error) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	wf := ent.wf
	agentID := sc.Step.AgentID
	if ent.gen != gen || wf.Status != StatusRunning || wf.CurrentStepIndex != sc.Index {
		e.logger.Debug("discarding stale step result",
			zap.String("workflow_id", wf.ID),
			zap.String("agent_id", agentID),
			zap.Int("step", sc.Index),
			zap.String("status", string(wf.Status)))
		return true
	}

	if err != nil {
		if ctx.Err() != nil {
			// 引擎关闭：保持 RUNNING，由 Recover 继续
			return false
		}
		e.recorder.RecordStep(agentID, string(ErrorTypeCritical), 0)
		e.handleCriticalLocked(ctx, ent, err)
		return true
	}

	if res.ElicitationRequired {
		e.recorder.RecordStep(agentID, "elicitation", res.Duration)
		if err := e.elicitation.Pause(ctx, wf, agentID, res.Elicitation); err != nil {
			e.logger.Error("pause for elicitation failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
		_ = e.persist(ctx, wf)
		return true
	}

	now := e.now()
	for _, a := range res.Artifacts {
		a.ID = uuid.NewString()
		a.AgentID = agentID
		a.Step = sc.Index
		a.CreatedAt = now
		wf.Artifacts = append(wf.Artifacts, a)
	}
	for _, m := range res.Messages {
		if m.From == "" {
			m.From = agentID
		}
		if m.Type == "" {
			m.Type = MessageInterAgent
		}
		e.sendLocked(ctx, wf, m)
	}

	outcome := "success"
	if res.Success {
		e.sendLocked(ctx, wf, Message{
			From:    agentID,
			To:      ParticipantSystem,
			Type:    MessageCompletion,
			Content: fmt.Sprintf("completed step %d with %d artifact(s)", sc.Index+1, len(res.Artifacts)),
		})
	} else {
		typ := ErrorTypeExecution
		if res.TimedOut {
			typ = ErrorTypeTimeout
		}
		outcome = string(typ)
		wf.Errors = append(wf.Errors, ErrorEntry{
			Type:      typ,
			AgentID:   agentID,
			Step:      sc.Index,
			Message:   res.Error,
			Attempts:  res.Attempts,
			Timestamp: now,
		})
		e.sendLocked(ctx, wf, Message{
			From:     agentID,
			To:       ParticipantSystem,
			Type:     MessageError,
			Content:  res.Error,
			Metadata: map[string]string{"error_type": string(typ)},
		})
		e.logger.Warn("step failed, continuing",
			zap.String("workflow_id", wf.ID),
			zap.String("agent_id", agentID),
			zap.Int("step", sc.Index),
			zap.String("error_type", string(typ)),
			zap.Int("attempts", res.Attempts))
	}
	e.recorder.RecordStep(agentID, outcome, res.Duration)

	wf.CurrentStepIndex++
	wf.UpdatedAt = now
	if _, err := e.checkpoints.Create(ctx, wf, AfterAgentTag(agentID),
		fmt.Sprintf("after %s (step %d)", agentID, sc.Index)); err != nil {
		e.logger.Warn("checkpoint failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	_ = e.persist(ctx, wf)
	return true
}

// handleCriticalLocked 关键失败：尝试一次自动回滚，失败则置为 ERROR
func (e *Engine) handleCriticalLocked(ctx context.Context, ent *workflowEntry, cause error) {
	wf := ent.wf
	entry := ErrorEntry{
		Type:      ErrorTypeCritical,
		AgentID:   wf.CurrentAgentID,
		Step:      wf.CurrentStepIndex,
		Message:   cause.Error(),
		Timestamp: e.now(),
	}
	wf.LastError = cause.Error()
	e.logger.Error("critical step failure",
		zap.String("workflow_id", wf.ID),
		zap.String("agent_id", wf.CurrentAgentID),
		zap.Int("step", wf.CurrentStepIndex),
		zap.Error(cause))

	if e.cfg.AutoRollback {
		cp, ok := e.checkpoints.AutoRollback(ctx, wf, cause)
		e.recorder.RecordRollback(true, ok)
		if ok {
			wf.Errors = append(wf.Errors, entry)
			ent.gen++
			e.logger.Info("auto rollback succeeded",
				zap.String("workflow_id", wf.ID),
				zap.String("checkpoint_id", cp.ID))
			_ = e.persist(ctx, wf)
			return
		}
	}

	wf.Errors = append(wf.Errors, entry)
	e.sendLocked(ctx, wf, Message{
		From:     wf.CurrentAgentID,
		To:       ParticipantSystem,
		Type:     MessageError,
		Content:  cause.Error(),
		Metadata: map[string]string{"error_type": string(ErrorTypeCritical)},
	})
	if err := wf.transition(StatusError, e.now()); err != nil {
		e.logger.Error("cannot mark workflow as failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	ent.gen++
	e.finishLocked(ctx, ent)
}

func (e *Engine) completeLocked(ctx context.Context, ent *workflowEntry) {
	wf := ent.wf
	if err := wf.transition(StatusCompleted, e.now()); err != nil {
		e.logger.Error("cannot complete workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	e.sendLocked(ctx, wf, Message{
		From:    ParticipantSystem,
		To:      ParticipantAll,
		Type:    MessageWorkflowComplete,
		Content: fmt.Sprintf("workflow completed with %d artifact(s) and %d error(s)", len(wf.Artifacts), len(wf.Errors)),
	})
	if e.artifacts != nil && len(wf.Artifacts) > 0 {
		if err := e.artifacts.Export(ctx, wf.ID, cloneArtifacts(wf.Artifacts)); err != nil {
			e.logger.Warn("artifact export failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
	e.finishLocked(ctx, ent)
}

// finishLocked 终态收尾：持久化并移入历史
func (e *Engine) finishLocked(ctx context.Context, ent *workflowEntry) {
	wf := ent.wf
	_ = e.persist(ctx, wf)
	e.checkpoints.Forget(wf.ID)
	e.comm.Forget(wf.ID)

	e.mu.Lock()
	delete(e.active, wf.ID)
	e.history[wf.ID] = ent
	e.mu.Unlock()

	e.recorder.RecordWorkflowFinished(wf.Template, wf.Status)
	e.logger.Info("workflow finished",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(wf.Status)),
		zap.Int("artifacts", len(wf.Artifacts)),
		zap.Int("errors", len(wf.Errors)))
}

func (e *Engine) sendLocked(ctx context.Context, wf *Workflow, msg Message) {
	stored, err := e.comm.SendMessage(ctx, wf.ID, msg)
	if err != nil {
		e.logger.Warn("message rejected", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	wf.Messages = append(wf.Messages, stored)
}

// persist 写穿到存储，缓存中的工作流即为最新状态
func (e *Engine) persist(ctx context.Context, wf *Workflow) error {
	rec, err := EncodeRecord(wf)
	if err == nil {
		err = e.store.SaveWorkflow(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("persist workflow failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (e *Engine) snapshot(ent *workflowEntry) *Workflow {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.wf.Clone()
}

// lookup 依次查找活动表、历史表，最后从存储重建
func (e *Engine) lookup(ctx context.Context, id string) (*workflowEntry, error) {
	e.mu.RLock()
	ent, ok := e.active[id]
	if !ok {
		ent, ok = e.history[id]
	}
	e.mu.RUnlock()
	if ok {
		return ent, nil
	}

	rec, err := e.store.FindWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow %s not found", id).WithCause(err)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}

	var seq []Step
	if rec.Template != "" && e.sequences != nil {
		if s, err := e.sequences.GetSequence(ctx, rec.Template); err == nil {
			seq = s
		}
	}
	wf, err := Rehydrate(rec, seq)
	if err != nil {
		return nil, err
	}

	e.comm.Restore(id, sequenceAgents(wf.Sequence), wf.Messages)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.active[id]; ok {
		return existing, nil
	}
	if existing, ok := e.history[id]; ok {
		return existing, nil
	}
	ent = &workflowEntry{wf: wf}
	if wf.Status.IsTerminal() {
		e.history[id] = ent
	} else {
		e.active[id] = ent
	}
	e.logger.Debug("workflow rehydrated", zap.String("workflow_id", id), zap.String("status", rec.Status))
	return ent, nil
}

// mutate 在工作流锁内执行状态变更并写穿存储。
// 内存中的条目是权威状态：写穿失败只记录日志，由后续步骤的写穿补齐。
func (e *Engine) mutate(ctx context.Context, id string, fn func(ent *workflowEntry) error) (*workflowEntry, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := fn(ent); err != nil {
		return nil, err
	}
	ent.wf.UpdatedAt = e.now()
	_ = e.persist(ctx, ent.wf)
	return ent, nil
}

// restoreMessages 通信器中没有该工作流时从工作流消息重建
func (e *Engine) restoreMessages(ent *workflowEntry) {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	e.comm.Restore(ent.wf.ID, sequenceAgents(ent.wf.Sequence), ent.wf.Messages)
}

func sequenceAgents(seq []Step) []string {
	ids := make([]string, 0, len(seq))
	for _, s := range seq {
		ids = append(ids, s.AgentID)
	}
	return ids
}

// Get 返回工作流副本
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(ent), nil
}

// Status 返回状态报告
func (e *Engine) Status(ctx context.Context, id string) (*StatusReport, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.restoreMessages(ent)
	wf := e.snapshot(ent)
	return &StatusReport{
		ID:                 wf.ID,
		Status:             wf.Status,
		CurrentStepIndex:   wf.CurrentStepIndex,
		TotalSteps:         len(wf.Sequence),
		CurrentAgentID:     wf.CurrentAgentID,
		ElicitationPending: wf.ElicitationPending,
		Errors:             wf.Errors,
		LastRollback:       wf.LastRollback,
		LastError:          wf.LastError,
		Progress:           e.comm.Progress(wf.ID),
		Artifacts:          len(wf.Artifacts),
	}, nil
}

// List 从存储列出工作流，最近更新的在前
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	f := persistence.WorkflowFilter{UserID: filter.UserID, Template: filter.Template, Limit: filter.Limit}
	for _, s := range filter.Statuses {
		f.Statuses = append(f.Statuses, string(s))
	}
	recs, err := e.store.ListWorkflows(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, Summary{
			ID:               r.ID,
			Name:             r.Name,
			Template:         r.Template,
			UserID:           r.UserID,
			Status:           Status(r.Status),
			CurrentStepIndex: r.CurrentStepIndex,
			CreatedAt:        r.CreatedAt,
			UpdatedAt:        r.UpdatedAt,
			CompletedAt:      r.CompletedAt,
		})
	}
	return out, nil
}

// History 返回内存中已结束的工作流
func (e *Engine) History() []*Workflow {
	e.mu.RLock()
	entries := make([]*workflowEntry, 0, len(e.history))
	for _, ent := range e.history {
		entries = append(entries, ent)
	}
	e.mu.RUnlock()
	out := make([]*Workflow, 0, len(entries))
	for _, ent := range entries {
		out = append(out, e.snapshot(ent))
	}
	return out
}

// MessageHistory 返回消息历史
func (e *Engine) MessageHistory(ctx context.Context, id string, q HistoryQuery) ([]Message, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.restoreMessages(ent)
	return e.comm.GetMessageHistory(id, q), nil
}

// Channels 返回工作流各 Agent 的通道状态
func (e *Engine) Channels(ctx context.Context, id string) ([]AgentChannel, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.restoreMessages(ent)
	return e.comm.Channels(id), nil
}

func rejectTerminal(wf *Workflow, op string) error {
	if wf.Status.IsTerminal() {
		return types.NewInvalidStateError("cannot %s workflow %s in terminal status %s", op, wf.ID, wf.Status)
	}
	return nil
}

// Pause 暂停运行中的工作流。正在执行的步骤结果会被丢弃，恢复后重新执行该步骤。
func (e *Engine) Pause(ctx context.Context, id string) error {
	_, err := e.mutate(ctx, id, func(ent *workflowEntry) error {
		if err := rejectTerminal(ent.wf, "pause"); err != nil {
			return err
		}
		if err := ent.wf.transition(StatusPaused, e.now()); err != nil {
			return err
		}
		ent.gen++
		return nil
	})
	if err == nil {
		e.logger.Info("workflow paused", zap.String("workflow_id", id))
	}
	return err
}

// Resume 从 PAUSED 或 ROLLED_BACK 恢复执行当前步骤
func (e *Engine) Resume(ctx context.Context, id string) error {
	ent, err := e.mutate(ctx, id, func(ent *workflowEntry) error {
		wf := ent.wf
		if err := rejectTerminal(wf, "resume"); err != nil {
			return err
		}
		if wf.Status != StatusPaused && wf.Status != StatusRolledBack {
			return types.NewInvalidStateError("workflow %s cannot be resumed from %s", id, wf.Status)
		}
		if err := wf.transition(StatusRunning, e.now()); err != nil {
			return err
		}
		ent.gen++
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("workflow resumed", zap.String("workflow_id", id))
	e.launch(ent)
	return nil
}

// ResumeElicitation 提交人工回答，并重新执行发起请求的同一步骤
func (e *Engine) ResumeElicitation(ctx context.Context, id, response, agentID string) error {
	ent, err := e.mutate(ctx, id, func(ent *workflowEntry) error {
		if err := e.elicitation.Resume(ctx, ent.wf, response, agentID); err != nil {
			return err
		}
		ent.gen++
		return nil
	})
	if err != nil {
		return err
	}
	e.launch(ent)
	return nil
}

// Cancel 立即将非终态工作流置为 CANCELLED，在途调用的结果会被丢弃
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	wf := ent.wf
	if err := rejectTerminal(wf, "cancel"); err != nil {
		return err
	}
	if err := wf.transition(StatusCancelled, e.now()); err != nil {
		return err
	}
	wf.ElicitationPending = nil
	ent.gen++
	e.finishLocked(ctx, ent)
	return nil
}

// Rollback 手动回滚到指定检查点，回滚后停留在 ROLLED_BACK，需要 Resume 继续
func (e *Engine) Rollback(ctx context.Context, id, checkpointID string) (*Checkpoint, error) {
	var cp *Checkpoint
	_, err := e.mutate(ctx, id, func(ent *workflowEntry) error {
		if err := rejectTerminal(ent.wf, "roll back"); err != nil {
			return err
		}
		var err error
		cp, err = e.checkpoints.RollbackToCheckpoint(ctx, ent.wf, checkpointID)
		e.recorder.RecordRollback(false, err == nil)
		if err != nil {
			return err
		}
		ent.gen++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Wait 阻塞直到工作流没有驱动循环在运行，返回此时的副本
func (e *Engine) Wait(ctx context.Context, id string) (*Workflow, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		ent.mu.Lock()
		if !ent.driving {
			wf := ent.wf.Clone()
			ent.mu.Unlock()
			return wf, nil
		}
		idle := ent.idle
		ent.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover 从存储加载未结束的工作流，RUNNING 状态的从当前步骤继续执行。返回恢复执行的数量。
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.store.ListWorkflows(ctx, persistence.WorkflowFilter{
		Statuses: []string{
			string(StatusInitializing), string(StatusRunning), string(StatusPaused),
			string(StatusPausedForElicitation), string(StatusRollingBack), string(StatusRolledBack),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished workflows: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		ent, err := e.lookup(ctx, rec.ID)
		if err != nil {
			e.logger.Warn("recover: skip workflow", zap.String("workflow_id", rec.ID), zap.Error(err))
			continue
		}
		ent.mu.Lock()
		wf := ent.wf
		switch wf.Status {
		case StatusInitializing, StatusRollingBack:
			// 中途崩溃，状态不可信
			wf.LastError = fmt.Sprintf("interrupted while %s", wf.Status)
			if err := wf.transition(StatusError, e.now()); err == nil {
				e.finishLocked(ctx, ent)
			}
			ent.mu.Unlock()
			continue
		case StatusRunning:
			ent.mu.Unlock()
			e.launch(ent)
			resumed++
			continue
		}
		ent.mu.Unlock()
	}
	e.logger.Info("workflows recovered", zap.Int("loaded", len(recs)), zap.Int("resumed", resumed))
	return resumed, nil
}

// Close 停止接受新工作流，取消后台驱动并等待退出。RUNNING 工作流保持原状态，可由 Recover 继续。
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return nil
}
