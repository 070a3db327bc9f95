package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2, QueueSize: 8}, zap.NewNop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		wg.Add(1)
		require.True(t, p.TrySubmit(Task{ID: id, Fn: func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			return nil
		}}))
	}
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))

	assert.Len(t, seen, 3)
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(3), stats.Completed)
}

func TestPool_TrySubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1}, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.TrySubmit(Task{ID: "busy", Fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.True(t, p.TrySubmit(Task{ID: "queued", Fn: func(ctx context.Context) error { return nil }}))
	assert.False(t, p.TrySubmit(Task{ID: "dropped", Fn: func(ctx context.Context) error { return nil }}))

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 4}, zap.NewNop())

	p.TrySubmit(Task{ID: "err", Fn: func(ctx context.Context) error { return errors.New("boom") }})
	p.TrySubmit(Task{ID: "panic", Fn: func(ctx context.Context) error { panic("bad") }})
	p.TrySubmit(Task{ID: "ok", Fn: func(ctx context.Context) error { return nil }})
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPool_StopRejectsNewWork(t *testing.T) {
	p := New(Config{Name: "test"}, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, p.Stop(time.Second))

	assert.False(t, p.TrySubmit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }}))
}

func TestPool_StopCancelsStuckTasks(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, TaskTimeout: time.Minute}, zap.NewNop())

	started := make(chan struct{})
	p.TrySubmit(Task{ID: "stuck", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	err := p.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPool_TaskTimeout(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, TaskTimeout: 10 * time.Millisecond}, zap.NewNop())

	done := make(chan error, 1)
	p.TrySubmit(Task{ID: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task context never expired")
	}
	require.NoError(t, p.Stop(time.Second))
}
