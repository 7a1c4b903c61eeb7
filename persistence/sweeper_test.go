package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.SaveCheckpoint(ctx, &CheckpointRecord{ID: "old", WorkflowID: "wf", CreatedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, store.SaveCheckpoint(ctx, &CheckpointRecord{ID: "fresh", WorkflowID: "wf", CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveUsage(ctx, &UsageRecord{ID: "u-old", Timestamp: now.Add(-31 * 24 * time.Hour)}))
	require.NoError(t, store.SaveUsage(ctx, &UsageRecord{ID: "u-new", Timestamp: now}))

	var observed []SweepResult
	sweeper := NewSweeper(store, DefaultSweepConfig(), zap.NewNop()).
		OnSweep(func(r SweepResult) { observed = append(observed, r) })
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checkpoints: 1, Usage: 1}, res)
	assert.Equal(t, []SweepResult{res}, observed)

	list, err := store.ListCheckpoints(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}

func TestSweeper_UsageRetentionDisabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveUsage(ctx, &UsageRecord{ID: "ancient", Timestamp: time.Now().Add(-365 * 24 * time.Hour)}))

	sweeper := NewSweeper(store, SweepConfig{CheckpointMaxAge: time.Hour}, nil)
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Usage)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) DeleteCheckpointsOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestSweeper_PropagatesErrors(t *testing.T) {
	sweeper := NewSweeper(failingStore{NewMemoryStore()}, DefaultSweepConfig(), zap.NewNop())
	_, err := sweeper.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveCheckpoint(context.Background(), &CheckpointRecord{
		ID: "old", WorkflowID: "wf", CreatedAt: time.Now().Add(-time.Hour),
	}))

	sweeper := NewSweeper(store, SweepConfig{Interval: 10 * time.Millisecond, CheckpointMaxAge: time.Minute}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		list, _ := store.ListCheckpoints(context.Background(), "wf")
		return len(list) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
