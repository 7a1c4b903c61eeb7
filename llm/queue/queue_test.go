package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmit_OneInFlightPerUser(t *testing.T) {
	q := New(Config{MinSpacing: 0}, zap.NewNop())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
}

func TestSubmit_MinSpacing(t *testing.T) {
	spacing := 40 * time.Millisecond
	q := New(Config{MinSpacing: spacing}, nil)

	var starts []time.Time
	for i := 0; i < 3; i++ {
		_, err := q.Submit(context.Background(), "bob", func(ctx context.Context) (any, error) {
			starts = append(starts, time.Now())
			return nil, nil
		})
		require.NoError(t, err)
	}

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		// rate.Limiter 允许少量时钟误差
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), spacing-5*time.Millisecond)
	}
}

func TestSubmit_UsersIndependent(t *testing.T) {
	q := New(Config{MinSpacing: time.Hour}, nil)
	ctx := context.Background()

	// 每个用户的第一次调用不等待
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, u := range []string{"a", "b", "c"} {
			_, err := q.Submit(ctx, u, func(ctx context.Context) (any, error) { return u, nil })
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct users should not wait on each other")
	}
	assert.Equal(t, 3, q.Stats().Users)
}

func TestSubmit_ContextCancelledWhileSpacing(t *testing.T) {
	q := New(Config{MinSpacing: time.Hour}, nil)
	_, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err = q.Submit(ctx, "u", func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, ran.Load())
	assert.Zero(t, q.Stats().Waiting)
}

func TestSubmit_SpacingBeyondDeadlineReportsDeadlineExceeded(t *testing.T) {
	q := New(Config{MinSpacing: time.Hour}, nil)
	_, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err = q.Submit(ctx, "u", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "limiter fails fast")
	assert.NoError(t, ctx.Err())
}

func TestSubmit_SpacingWithoutDeadlineWaitsForCancel(t *testing.T) {
	q := New(Config{MinSpacing: time.Hour}, nil)
	_, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = q.Submit(ctx, "u", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmit_PropagatesTaskResult(t *testing.T) {
	q := New(Config{}, nil)
	boom := errors.New("boom")

	out, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) {
		return "partial", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", out)
}

func TestDo_Generic(t *testing.T) {
	q := New(Config{}, nil)
	v, err := Do(context.Background(), q, "u", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestClose_RejectsNewSubmissions(t *testing.T) {
	q := New(DefaultConfig(), nil)
	q.Close()
	_, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrune(t *testing.T) {
	q := New(Config{IdleTTL: time.Millisecond}, nil)
	_, err := q.Submit(context.Background(), "u", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, q.Prune())
	assert.Zero(t, q.Stats().Users)
}
