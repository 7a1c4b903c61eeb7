package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/types"
)

const (
	DefaultStepTimeout    = 120 * time.Second
	DefaultMinStepTimeout = 10 * time.Second
	DefaultMaxStepTimeout = 300 * time.Second
	DefaultStepRetries    = 1
)

// ExecutorConfig 步骤执行配置
type ExecutorConfig struct {
	StepTimeout    time.Duration
	MinStepTimeout time.Duration
	MaxStepTimeout time.Duration
	// StepRetries 超时后的重试次数，非超时错误不重试
	StepRetries int
	Complexity  llm.Complexity
}

// DefaultExecutorConfig 返回默认配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StepTimeout:    DefaultStepTimeout,
		MinStepTimeout: DefaultMinStepTimeout,
		MaxStepTimeout: DefaultMaxStepTimeout,
		StepRetries:    DefaultStepRetries,
		Complexity:     llm.ComplexityMedium,
	}
}

func (c ExecutorConfig) normalized() ExecutorConfig {
	d := DefaultExecutorConfig()
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.MinStepTimeout <= 0 {
		c.MinStepTimeout = d.MinStepTimeout
	}
	if c.MaxStepTimeout <= 0 {
		c.MaxStepTimeout = d.MaxStepTimeout
	}
	if c.MaxStepTimeout < c.MinStepTimeout {
		c.MaxStepTimeout = c.MinStepTimeout
	}
	if c.StepRetries < 0 {
		c.StepRetries = 0
	}
	if c.Complexity == "" {
		c.Complexity = d.Complexity
	}
	return c
}

// TimeoutFor 返回步骤超时，步骤未指定时用默认值，结果限制在 [Min, Max]
func (c ExecutorConfig) TimeoutFor(step Step) time.Duration {
	t := step.Timeout
	if t <= 0 {
		t = c.StepTimeout
	}
	if t < c.MinStepTimeout {
		t = c.MinStepTimeout
	}
	if t > c.MaxStepTimeout {
		t = c.MaxStepTimeout
	}
	return t
}

// StepContext 执行一个步骤所需的输入
type StepContext struct {
	WorkflowID     string
	UserID         string
	Index          int
	Total          int
	Step           Step
	Agent          *AgentDefinition
	PriorArtifacts []Artifact
	Context        map[string]string
	// ElicitationResponses 本步骤此前收到的人工回答
	ElicitationResponses []string
}

// StepResult 步骤执行结果。Success 为 false 时是结构化失败，不会中断工作流。
type StepResult struct {
	Success             bool          `json:"success"`
	TimedOut            bool          `json:"timed_out,omitempty"`
	Attempts            int           `json:"attempts"`
	Content             string        `json:"content,omitempty"`
	Artifacts           []Artifact    `json:"artifacts,omitempty"`
	Messages            []Message     `json:"messages,omitempty"`
	ElicitationRequired bool          `json:"elicitation_required,omitempty"`
	Elicitation         string        `json:"elicitation,omitempty"`
	Provider            string        `json:"provider,omitempty"`
	Model               string        `json:"model,omitempty"`
	Usage               llm.Usage     `json:"usage"`
	Error               string        `json:"error,omitempty"`
	Duration            time.Duration `json:"duration"`
}

// ResultInterpreter 将 AI 调用结果解释为步骤结果
type ResultInterpreter interface {
	Interpret(sc StepContext, res *llm.CallResult) (*StepResult, error)
}

// InterpreterFunc 函数适配器
type InterpreterFunc func(sc StepContext, res *llm.CallResult) (*StepResult, error)

// Interpret 实现 ResultInterpreter
func (f InterpreterFunc) Interpret(sc StepContext, res *llm.CallResult) (*StepResult, error) {
	return f(sc, res)
}

// resultEnvelope Agent 可选的结构化回复格式
type resultEnvelope struct {
	ElicitationRequired bool   `json:"elicitation_required"`
	Elicitation         string `json:"elicitation"`
	Content             string `json:"content"`
	Artifacts           []struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	} `json:"artifacts"`
	Messages []struct {
		To      string `json:"to"`
		Content string `json:"content"`
	} `json:"messages"`
}

// DefaultInterpreter 识别 JSON 信封；纯文本回复整体作为一个产物
type DefaultInterpreter struct{}

// Interpret 实现 ResultInterpreter
func (DefaultInterpreter) Interpret(sc StepContext, res *llm.CallResult) (*StepResult, error) {
	content := strings.TrimSpace(res.Content)
	if content == "" {
		return &StepResult{Success: false, Error: "agent returned empty content"}, nil
	}

	out := &StepResult{Success: true, Content: content}
	if env, ok := parseEnvelope(content); ok {
		if env.ElicitationRequired {
			out.ElicitationRequired = true
			out.Elicitation = env.Elicitation
			if out.Elicitation == "" {
				out.Elicitation = env.Content
			}
			return out, nil
		}
		out.Content = env.Content
		for i, a := range env.Artifacts {
			name := a.Filename
			if name == "" {
				name = defaultArtifactName(sc, i)
			}
			out.Artifacts = append(out.Artifacts, Artifact{Filename: name, Content: a.Content})
		}
		if len(out.Artifacts) == 0 && env.Content != "" {
			out.Artifacts = append(out.Artifacts, Artifact{Filename: defaultArtifactName(sc, 0), Content: env.Content})
		}
		for _, m := range env.Messages {
			if m.To == "" || m.Content == "" {
				continue
			}
			out.Messages = append(out.Messages, Message{From: sc.Step.AgentID, To: m.To, Type: MessageInterAgent, Content: m.Content})
		}
		return out, nil
	}

	out.Artifacts = []Artifact{{Filename: defaultArtifactName(sc, 0), Content: content}}
	return out, nil
}

func parseEnvelope(content string) (resultEnvelope, bool) {
	body := strings.TrimSpace(content)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if !strings.HasPrefix(body, "{") {
		return resultEnvelope{}, false
	}
	var env resultEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return resultEnvelope{}, false
	}
	if !env.ElicitationRequired && env.Content == "" && len(env.Artifacts) == 0 {
		return resultEnvelope{}, false
	}
	return env, true
}

func defaultArtifactName(sc StepContext, n int) string {
	if n == 0 {
		return fmt.Sprintf("%02d-%s.md", sc.Index+1, sc.Step.AgentID)
	}
	return fmt.Sprintf("%02d-%s-%d.md", sc.Index+1, sc.Step.AgentID, n+1)
}

// StepExecutor 执行单个步骤：构造上下文与提示词，带超时与重试地调用 AI，解释结果
type StepExecutor struct {
	cfg         ExecutorConfig
	caller      Caller
	agents      AgentDefinitionProvider
	interpreter ResultInterpreter
	logger      *zap.Logger
}

// NewStepExecutor 创建步骤执行器
func NewStepExecutor(cfg ExecutorConfig, caller Caller, agents AgentDefinitionProvider, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		cfg:         cfg.normalized(),
		caller:      caller,
		agents:      agents,
		interpreter: DefaultInterpreter{},
		logger:      logger.With(zap.String("component", "step_executor")),
	}
}

// Config 返回生效的配置
func (e *StepExecutor) Config() ExecutorConfig { return e.cfg }

// Prepare 根据工作流当前状态构造步骤上下文。Agent 无法解析属于关键失败。
func (e *StepExecutor) Prepare(ctx context.Context, wf *Workflow) (StepContext, error) {
	step, ok := wf.CurrentStep()
	if !ok {
		return StepContext{}, types.NewInvalidStateError("workflow %s has no step at index %d", wf.ID, wf.CurrentStepIndex)
	}
	agent, err := e.agents.GetAgent(ctx, step.AgentID)
	if err != nil {
		return StepContext{}, types.Errorf(types.ErrCriticalFailure, "resolve agent %s", step.AgentID).WithCause(err)
	}
	return StepContext{
		WorkflowID:           wf.ID,
		UserID:               wf.UserID,
		Index:                wf.CurrentStepIndex,
		Total:                len(wf.Sequence),
		Step:                 step,
		Agent:                agent,
		PriorArtifacts:       cloneArtifacts(wf.Artifacts),
		Context:              cloneStringMap(wf.Context),
		ElicitationResponses: responsesFor(wf, step.AgentID, wf.CurrentStepIndex),
	}, nil
}

type callOutcome struct {
	res *llm.CallResult
	err error
}

// ExecuteAgent 以超时竞速方式调用 AI。超时按配置重试，最终仍超时或调用出错时返回结构化失败；
// 只有 panic、结果解释失败或父 context 取消会以 error 返回。
func (e *StepExecutor) ExecuteAgent(ctx context.Context, sc StepContext) (*StepResult, error) {
	start := time.Now()
	timeout := e.cfg.TimeoutFor(sc.Step)
	req := e.buildRequest(sc)
	maxAttempts := e.cfg.StepRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, timedOut, err := e.callWithTimeout(ctx, req, timeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut {
			e.logger.Warn("agent call timed out",
				zap.String("workflow_id", sc.WorkflowID),
				zap.String("agent_id", sc.Step.AgentID),
				zap.Int("attempt", attempt),
				zap.Duration("timeout", timeout))
			continue
		}
		if err != nil {
			if types.IsCode(err, types.ErrCriticalFailure) {
				return nil, err
			}
			return &StepResult{
				Success:  false,
				Attempts: attempt,
				Error:    err.Error(),
				Duration: time.Since(start),
			}, nil
		}

		out, err := e.interpreter.Interpret(sc, res)
		if err != nil {
			return nil, types.Errorf(types.ErrCriticalFailure, "interpret result of agent %s", sc.Step.AgentID).WithCause(err)
		}
		if out == nil {
			return nil, types.Errorf(types.ErrCriticalFailure, "no result for agent %s", sc.Step.AgentID)
		}
		out.Attempts = attempt
		out.Provider = res.Provider
		out.Model = res.Model
		out.Usage = res.Usage
		out.Duration = time.Since(start)
		return out, nil
	}

	return &StepResult{
		Success:  false,
		TimedOut: true,
		Attempts: maxAttempts,
		Error:    fmt.Sprintf("agent %s timed out after %d attempt(s) of %s", sc.Step.AgentID, maxAttempts, timeout),
		Duration: time.Since(start),
	}, nil
}

// callWithTimeout 调用与计时器竞速，不依赖 Caller 自身遵守 context
func (e *StepExecutor) callWithTimeout(ctx context.Context, req llm.CallRequest, timeout time.Duration) (*llm.CallResult, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callOutcome{err: types.Errorf(types.ErrCriticalFailure, "agent call panicked: %v", r)}
			}
		}()
		res, err := e.caller.Call(cctx, req)
		ch <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, out.err
		}
		return out.res, false, out.err
	case <-cctx.Done():
		return nil, ctx.Err() == nil, cctx.Err()
	}
}

func (e *StepExecutor) buildRequest(sc StepContext) llm.CallRequest {
	complexity := e.cfg.Complexity
	model := ""
	if sc.Agent != nil {
		if sc.Agent.Complexity != "" {
			complexity = llm.ParseComplexity(sc.Agent.Complexity)
		}
		model = sc.Agent.Model
	}
	return llm.CallRequest{
		Prompt:       BuildPrompt(sc),
		SystemPrompt: SystemPrompt(sc.Agent),
		AgentID:      sc.Step.AgentID,
		WorkflowID:   sc.WorkflowID,
		UserID:       sc.UserID,
		Complexity:   complexity,
		Model:        model,
		Context: map[string]string{
			"step":  strconv.Itoa(sc.Index),
			"total": strconv.Itoa(sc.Total),
			"role":  sc.Step.Role,
		},
	}
}

// SystemPrompt 由 Agent 定义生成系统提示词
func SystemPrompt(agent *AgentDefinition) string {
	if agent == nil {
		return ""
	}
	var b strings.Builder
	identity := agent.Identity
	if identity == "" {
		identity = agent.ID
	}
	fmt.Fprintf(&b, "You are %s", identity)
	if agent.Role != "" {
		fmt.Fprintf(&b, ", acting as %s", agent.Role)
	}
	b.WriteString(".\n")
	if len(agent.Principles) > 0 {
		b.WriteString("Principles:\n")
		for _, p := range agent.Principles {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(agent.Capabilities) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s\n", strings.Join(agent.Capabilities, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildPrompt 生成步骤提示词：位置、任务、工作流上下文、已有产物与人工回答
func BuildPrompt(sc StepContext) string {
	var b strings.Builder
	role := sc.Step.Role
	if role == "" && sc.Agent != nil {
		role = sc.Agent.Role
	}
	fmt.Fprintf(&b, "Workflow step %d of %d", sc.Index+1, sc.Total)
	if role != "" {
		fmt.Fprintf(&b, " (%s)", role)
	}
	b.WriteString("\n")
	if sc.Step.Description != "" {
		fmt.Fprintf(&b, "Task: %s\n", sc.Step.Description)
	}

	if len(sc.Context) > 0 {
		keys := make([]string, 0, len(sc.Context))
		for k := range sc.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nWorkflow context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, sc.Context[k])
		}
	}

	if len(sc.PriorArtifacts) > 0 {
		b.WriteString("\nArtifacts from earlier steps:\n")
		for _, a := range sc.PriorArtifacts {
			fmt.Fprintf(&b, "### %s (%s)\n%s\n", a.Filename, a.AgentID, a.Content)
		}
	}

	if len(sc.ElicitationResponses) > 0 {
		b.WriteString("\nAnswers to your earlier questions:\n")
		for _, r := range sc.ElicitationResponses {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
