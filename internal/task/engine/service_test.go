package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eewbot/internal/eventbus"
	logx "eewbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRunsTasksAndRecordsHistory(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 2, HistorySize: 2}, bus)

	done := make(chan string, 3)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(Task{Name: name, Run: func(context.Context) error {
			done <- name
			return nil
		}}))
	}
	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, time.Second, 5*time.Millisecond)
	for _, h := range s.Snapshot().History {
		assert.NotEmpty(t, h.ID, "ids are generated")
		assert.Empty(t, h.Error)
	}

	e := <-events
	assert.Equal(t, "task.finished", e.Type)
}

func TestQueueFull(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	require.NoError(t, s.Enqueue(Task{Name: "busy", Run: block}))
	require.Eventually(t, func() bool { return s.Snapshot().InFlight == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: block}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "dropped", Run: block}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Submit(ctx, Task{Name: "waits", Run: block}), context.DeadlineExceeded)
}

func TestPanicAndTimeout(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, nil)

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, 2*time.Second, 5*time.Millisecond)
	h := s.Snapshot().History
	assert.Contains(t, h[0].Error, "panic: boom")
	assert.Contains(t, h[1].Error, context.DeadlineExceeded.Error())
	assert.Equal(t, uint64(1), s.Snapshot().Panics)
}

func TestRejectsWhenNotRunning(t *testing.T) {
	run := func(context.Context) error { return nil }

	off := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Enqueue(Task{Name: "x", Run: run}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, idle.Enqueue(Task{Name: "x", Run: run}), ErrStopped)

	s := startEngine(t, Config{}, nil)
	assert.Error(t, s.Enqueue(Task{Name: "", Run: run}))
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
	s.Stop(context.Background())
	err := s.Enqueue(Task{Name: "x", Run: run})
	assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping))
}
