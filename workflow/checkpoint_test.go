package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/types"
)

func newRunningWorkflow(id string) *Workflow {
	return &Workflow{
		ID:                id,
		Sequence:          []Step{{AgentID: "pm"}, {AgentID: "architect"}, {AgentID: "dev"}},
		Status:            StatusRunning,
		Context:           map[string]string{"project": "x"},
		Artifacts:         []Artifact{},
		Messages:          []Message{},
		Errors:            []ErrorEntry{},
		CheckpointEnabled: true,
	}
}

func TestCheckpointManager_CreateAndGet(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 10, nil, nil)
	ctx := context.Background()

	wf := newRunningWorkflow("wf")
	wf.Artifacts = append(wf.Artifacts, Artifact{Filename: "prd.md", Content: "PRD", Metadata: map[string]string{"v": "1"}})
	wf.CurrentStepIndex = 1
	wf.CurrentAgentID = "pm"

	cp, err := m.Create(ctx, wf, BeforeAgentTag("architect"), "before architect")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, 1, cp.Step)

	// 快照与源数据隔离
	wf.Artifacts[0].Metadata["v"] = "2"
	wf.Context["project"] = "y"

	got, err := m.Get(ctx, "wf", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "before_agent_architect", got.Type)
	assert.Equal(t, 1, got.State.StepIndex)
	assert.Equal(t, "pm", got.State.AgentID)
	require.Len(t, got.State.Artifacts, 1)
	assert.Equal(t, "1", got.State.Artifacts[0].Metadata["v"])
	assert.Equal(t, "x", got.State.Context["project"])

	_, err = m.Get(ctx, "other", cp.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = m.Get(ctx, "wf", "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCheckpointManager_DisabledIsNoop(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 10, nil, nil)
	wf := newRunningWorkflow("wf")
	wf.CheckpointEnabled = false

	cp, err := m.Create(context.Background(), wf, CheckpointWorkflowInitialized, "init")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, m.List("wf"))
}

func TestCheckpointManager_RingCapVersusDurable(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 3, nil, nil)
	ctx := context.Background()
	wf := newRunningWorkflow("wf")

	var ids []string
	for i := 0; i < 7; i++ {
		wf.CurrentStepIndex = i % 3
		cp, err := m.Create(ctx, wf, fmt.Sprintf("cp_%d", i), "")
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	ring := m.List("wf")
	require.Len(t, ring, 3)
	assert.Equal(t, ids[4], ring[0].ID)
	assert.Equal(t, ids[6], ring[2].ID)

	durable, err := m.ListDurable(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, durable, 7)
	for i, info := range durable {
		assert.Equal(t, ids[i], info.ID)
		assert.Equal(t, int64(i+1), info.Seq)
	}

	// 被挤出环的检查点仍可回滚
	_, err = m.RollbackToCheckpoint(ctx, wf, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, wf.Status)

	// 保留期清理作用于持久化存储
	n, err := store.DeleteCheckpointsOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestCheckpointManager_SeqContinuesAfterRestart(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	wf := newRunningWorkflow("wf")

	m1 := NewCheckpointManager(store, 10, nil, nil)
	for i := 0; i < 2; i++ {
		_, err := m1.Create(ctx, wf, "cp", "")
		require.NoError(t, err)
	}

	m2 := NewCheckpointManager(store, 10, nil, nil)
	cp, err := m2.Create(ctx, wf, "cp", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Seq)
}

func TestCheckpointManager_RollbackRestoresState(t *testing.T) {
	store := persistence.NewMemoryStore()
	comm := NewCommunicator(nil, nil)
	m := NewCheckpointManager(store, 10, comm, nil)
	ctx := context.Background()

	wf := newRunningWorkflow("wf")
	wf.CurrentStepIndex = 1
	wf.CurrentAgentID = "pm"
	wf.Artifacts = []Artifact{{Filename: "prd.md"}}
	cp, err := m.Create(ctx, wf, BeforeAgentTag("architect"), "")
	require.NoError(t, err)

	wf.CurrentStepIndex = 2
	wf.CurrentAgentID = "architect"
	wf.Artifacts = append(wf.Artifacts, Artifact{Filename: "arch.md"})
	wf.Errors = append(wf.Errors, ErrorEntry{Type: ErrorTypeTimeout})
	wf.Context["extra"] = "1"
	wf.Status = StatusPausedForElicitation
	wf.ElicitationPending = &ElicitationRequest{AgentID: "architect"}

	got, err := m.RollbackToCheckpoint(ctx, wf, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)

	assert.Equal(t, StatusRolledBack, wf.Status)
	assert.Equal(t, 1, wf.CurrentStepIndex)
	assert.Equal(t, "pm", wf.CurrentAgentID)
	assert.Len(t, wf.Artifacts, 1)
	assert.Empty(t, wf.Errors)
	assert.NotContains(t, wf.Context, "extra")
	assert.Nil(t, wf.ElicitationPending)
	assert.Equal(t, cp.ID, wf.LastRollback)

	require.Len(t, wf.Messages, 1)
	assert.Equal(t, MessageSystem, wf.Messages[0].Type)
	assert.Contains(t, wf.Messages[0].Content, cp.ID)
}

func TestCheckpointManager_RollbackInvalidState(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 10, nil, nil)
	ctx := context.Background()
	wf := newRunningWorkflow("wf")
	cp, err := m.Create(ctx, wf, CheckpointWorkflowInitialized, "")
	require.NoError(t, err)

	wf.Status = StatusCompleted
	_, err = m.RollbackToCheckpoint(ctx, wf, cp.ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
	assert.Equal(t, StatusCompleted, wf.Status)
}

func TestCheckpointManager_AutoRollbackSkipsCurrentAgent(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 10, nil, nil)
	ctx := context.Background()
	wf := newRunningWorkflow("wf")

	initCP, err := m.Create(ctx, wf, CheckpointWorkflowInitialized, "")
	require.NoError(t, err)
	wf.CurrentAgentID = "pm"
	_, err = m.Create(ctx, wf, BeforeAgentTag("pm"), "")
	require.NoError(t, err)

	cp, ok := m.AutoRollback(ctx, wf, fmt.Errorf("boom"))
	require.True(t, ok)
	assert.Equal(t, initCP.ID, cp.ID)
	assert.Equal(t, StatusRolledBack, wf.Status)
}

func TestCheckpointManager_AutoRollbackNoCandidate(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := NewCheckpointManager(store, 10, nil, nil)
	ctx := context.Background()
	wf := newRunningWorkflow("wf")
	wf.CurrentAgentID = "pm"
	_, err := m.Create(ctx, wf, BeforeAgentTag("pm"), "")
	require.NoError(t, err)

	_, ok := m.AutoRollback(ctx, wf, fmt.Errorf("boom"))
	assert.False(t, ok)
	assert.Equal(t, StatusRunning, wf.Status)

	empty := newRunningWorkflow("empty")
	_, ok = m.AutoRollback(ctx, empty, fmt.Errorf("boom"))
	assert.False(t, ok)
}

func TestCheckpointManager_AutoRollbackFallsBackToDurable(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	wf := newRunningWorkflow("wf")
	first := NewCheckpointManager(store, 10, nil, nil)
	cp, err := first.Create(ctx, wf, CheckpointWorkflowInitialized, "")
	require.NoError(t, err)

	restarted := NewCheckpointManager(store, 10, nil, nil)
	got, ok := restarted.AutoRollback(ctx, wf, fmt.Errorf("boom"))
	require.True(t, ok)
	assert.Equal(t, cp.ID, got.ID)
}

// 连续两次回滚到同一检查点，恢复出的状态完全一致
func TestProperty_RollbackIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("rollback twice yields identical state", prop.ForAll(
		func(step int, artifacts int, errs int, key string, mutations int) bool {
			ctx := context.Background()
			store := persistence.NewMemoryStore()
			m := NewCheckpointManager(store, 10, NewCommunicator(nil, nil), nil)

			wf := newRunningWorkflow("wf")
			wf.CurrentStepIndex = step
			wf.CurrentAgentID = "pm"
			for i := 0; i < artifacts; i++ {
				wf.Artifacts = append(wf.Artifacts, Artifact{Filename: fmt.Sprintf("a%d", i), Content: key})
			}
			for i := 0; i < errs; i++ {
				wf.Errors = append(wf.Errors, ErrorEntry{Type: ErrorTypeExecution, Step: i})
			}
			wf.Context[key] = "v"

			cp, err := m.Create(ctx, wf, BeforeAgentTag("architect"), "")
			if err != nil {
				return false
			}

			for i := 0; i < mutations; i++ {
				wf.CurrentStepIndex++
				wf.Artifacts = append(wf.Artifacts, Artifact{Filename: "late"})
				wf.Errors = append(wf.Errors, ErrorEntry{Type: ErrorTypeTimeout})
				wf.Context[fmt.Sprintf("m%d", i)] = "x"
			}

			if _, err := m.RollbackToCheckpoint(ctx, wf, cp.ID); err != nil {
				return false
			}
			first := snapshotOf(wf)
			firstMessages := len(wf.Messages)

			if _, err := m.RollbackToCheckpoint(ctx, wf, cp.ID); err != nil {
				return false
			}
			second := snapshotOf(wf)

			return first.StepIndex == second.StepIndex &&
				first.StepIndex == step &&
				first.AgentID == second.AgentID &&
				assert.ObjectsAreEqual(first.Artifacts, second.Artifacts) &&
				assert.ObjectsAreEqual(first.Errors, second.Errors) &&
				assert.ObjectsAreEqual(first.Context, second.Context) &&
				firstMessages == len(wf.Messages) &&
				len(second.Artifacts) == artifacts &&
				len(second.Errors) == errs
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 5),
		gen.IntRange(0, 3),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
