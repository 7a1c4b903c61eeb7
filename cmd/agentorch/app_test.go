package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/artifacts"
	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/circuitbreaker"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
)

const testTemplates = `
agents:
  - id: pm
    identity: John
    role: Product Manager
  - id: architect
    identity: Winston
    role: Architect
workflows:
  greenfield:
    - agent: pm
      description: write the PRD
    - agent: architect
      description: design the system
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTemplates), 0o600))

	cfg := config.DefaultConfig()
	cfg.Templates.Path = path
	cfg.Artifacts.Dir = filepath.Join(dir, "artifacts")
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Notify.Backends = []string{"log"}
	cfg.Engine.MinStepTimeout = 10 * time.Millisecond
	cfg.Engine.StepTimeout = time.Second
	return cfg
}

// askingCaller architect 第一次调用时提问，之后正常输出
func askingCaller() workflow.Caller {
	var asked atomic.Bool
	return workflow.CallerFunc(func(_ context.Context, req llm.CallRequest) (*llm.CallResult, error) {
		if req.AgentID == "architect" && !asked.Swap(true) {
			return &llm.CallResult{Content: `{"elicitation_required": true, "elicitation": "which database?"}`}, nil
		}
		return &llm.CallResult{Content: req.AgentID + " done", Provider: "fake"}, nil
	})
}

func newTestApp(t *testing.T, cfg *config.Config, caller workflow.Caller) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, zap.NewNop(), appOptions{caller: caller, store: persistence.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

// =============================================================================
// 🧪 组装与驱动
// =============================================================================

func TestDrive_AnswersElicitationFromInput(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, askingCaller())
	ctx := context.Background()

	wf, err := a.engine.Start(ctx, workflow.StartRequest{Template: "greenfield", UserID: "u1"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, drive(ctx, a.engine, wf.ID, strings.NewReader("postgres\n"), &out))

	assert.Contains(t, out.String(), "[architect asks] which database?")
	assert.Contains(t, out.String(), "COMPLETED (step 2/2)")

	final, err := a.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)

	sink, err := artifacts.NewFileSink(cfg.Artifacts.Dir, nil)
	require.NoError(t, err)
	m, err := sink.Manifest(wf.ID)
	require.NoError(t, err)
	assert.Len(t, m.Entries, 2)
}

func TestDrive_NoAnswerLeavesWorkflowPaused(t *testing.T) {
	a := newTestApp(t, testConfig(t), askingCaller())
	ctx := context.Background()

	wf, err := a.engine.Start(ctx, workflow.StartRequest{Template: "greenfield"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, drive(ctx, a.engine, wf.ID, strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "left paused")

	report, err := a.engine.Status(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPausedForElicitation, report.Status)
}

func TestBuildApp_UnknownTemplateFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Templates.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := buildApp(context.Background(), cfg, zap.NewNop(), appOptions{caller: askingCaller(), store: persistence.NewMemoryStore()})
	assert.Error(t, err)
}

func TestBuildApp_InvokerWithoutProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifacts.Enabled = false
	a := newTestApp(t, cfg, nil)
	require.NotNil(t, a.invoker)

	// 无 provider 时每一步都是结构化失败，工作流仍会完成
	wf, err := a.engine.Run(context.Background(), workflow.StartRequest{Template: "greenfield"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Len(t, wf.Errors, 2)
}

func TestProvidersReport(t *testing.T) {
	store := persistence.NewMemoryStore()
	require.NoError(t, store.SaveUsage(context.Background(), &persistence.UsageRecord{
		ID: "u-1", UserID: "alice", Provider: "openai", Tokens: 10, Cost: 0.01, Timestamp: time.Now(),
	}))

	a, err := buildApp(context.Background(), testConfig(t), zap.NewNop(), appOptions{store: store})
	require.NoError(t, err)
	defer a.close()

	report := a.providersReport()
	assert.Empty(t, report.Providers)
	assert.Equal(t, 1, report.Usage.Users)

	// 注入 caller 时没有 invoker
	assert.Empty(t, newTestApp(t, testConfig(t), askingCaller()).providersReport().Providers)
}

func TestServeObservability(t *testing.T) {
	a := newTestApp(t, testConfig(t), askingCaller())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.serveObservability(ctx))

	_, err := a.engine.Run(ctx, workflow.StartRequest{Template: "greenfield"})
	require.NoError(t, err)

	resp, err := http.Get("http://" + a.http.ListenAddr() + "/healthz")
	require.NoError(t, err)
	var health struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Checks["store"])

	resp, err = http.Get("http://" + a.http.ListenAddr() + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "agentorch_workflows_started_total")
	assert.Contains(t, body.String(), "agentorch_checkpoints_total")
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func TestKVFlag(t *testing.T) {
	f := kvFlag{}
	require.NoError(t, f.Set("goal=mvp"))
	require.NoError(t, f.Set("note=a=b"))
	assert.Equal(t, "a=b", f["note"])
	assert.Error(t, f.Set("novalue"))
	assert.Error(t, f.Set("=x"))
}

func TestListFlag(t *testing.T) {
	var f listFlag
	require.NoError(t, f.Set("openai"))
	require.NoError(t, f.Set(" gemini "))
	assert.Equal(t, listFlag{"openai", "gemini"}, f)
	assert.Equal(t, "openai,gemini", f.String())
	assert.Error(t, f.Set("  "))
}

func TestTripProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Invoker.Providers = []config.ProviderConfig{
		{Name: "gemini", Kind: "gemini", Priority: 1},
		{Name: "openai", Kind: "openai", Priority: 2},
	}
	a, err := buildApp(context.Background(), cfg, zap.NewNop(), appOptions{store: persistence.NewMemoryStore()})
	require.NoError(t, err)
	defer a.close()

	require.NoError(t, a.tripProviders(nil))
	require.NoError(t, a.tripProviders([]string{"gemini"}))
	states := map[string]circuitbreaker.State{}
	for _, p := range a.providersReport().Providers {
		states[p.Name] = p.Breaker.State
	}
	assert.Equal(t, circuitbreaker.StateOpen, states["gemini"])
	assert.Equal(t, circuitbreaker.StateClosed, states["openai"])

	assert.True(t, types.IsCode(a.tripProviders([]string{"carrier-pigeon"}), types.ErrNotFound))

	// 注入 caller 时没有 invoker
	assert.Error(t, newTestApp(t, testConfig(t), askingCaller()).tripProviders([]string{"gemini"}))
}

func TestListTemplates(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listTemplates(&out, testConfig(t).Templates))
	assert.Equal(t, "greenfield: pm -> architect\n", out.String())
}

func TestInitLogger(t *testing.T) {
	tests := []config.LogConfig{
		config.DefaultLogConfig(),
		{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}},
		{Level: "bogus"},
	}
	for _, cfg := range tests {
		logger := initLogger(cfg)
		require.NotNil(t, logger)
	}
	assert.True(t, initLogger(config.LogConfig{Level: "debug"}).Core().Enabled(zap.DebugLevel))
	assert.False(t, initLogger(config.LogConfig{Level: "bogus"}).Core().Enabled(zap.DebugLevel))
}

func TestDispatch(t *testing.T) {
	assert.Equal(t, 1, dispatch(nil))
	assert.Equal(t, 1, dispatch([]string{"frobnicate"}))
	assert.Equal(t, 0, dispatch([]string{"help"}))
	assert.Equal(t, 0, dispatch([]string{"version"}))
	// 缺少 --id
	assert.Equal(t, 1, dispatch([]string{"status", "--config", filepath.Join(t.TempDir(), "missing.yaml")}))
}
