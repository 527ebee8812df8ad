package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eewbot/pkg/logx"
)

func TestEverySubSecond(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var n atomic.Int32
	require.NoError(t, s.Every("tick", 20*time.Millisecond, 0, func(context.Context) { n.Add(1) }))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.Remove("tick"))
	assert.False(t, s.Remove("tick"))
	time.Sleep(50 * time.Millisecond)
	after := n.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestSlowJobDoesNotOverlap(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var running, peak, runs atomic.Int32
	require.NoError(t, s.Every("slow", 10*time.Millisecond, 0, func(context.Context) {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
	}))
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
	assert.Equal(t, int32(1), peak.Load())
}

func TestJobContextCancelledOnStop(t *testing.T) {
	s := New(Config{Timezone: "Asia/Taipei"}, logx.Nop())
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	require.NoError(t, s.Every("wait", 10*time.Millisecond, 0, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		<-ctx.Done()
		close(cancelled)
	}))
	s.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled")
	}
}

func TestRegistration(t *testing.T) {
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) {}
	assert.Error(t, s.Every("zero", 0, 0, noop))
	assert.Error(t, s.Every("", time.Second, 0, noop))
	assert.Error(t, s.Every("nil", time.Second, 0, nil))
	assert.Error(t, s.AddCron("bad", "not a spec", 0, noop))

	require.NoError(t, s.AddCron("hourly", "@hourly", 0, noop))
	require.NoError(t, s.Every("poll", time.Second, 0, noop))
	require.NoError(t, s.Every("poll", 2*time.Second, 0, noop))

	list := s.Schedules()
	require.Len(t, list, 2)
	assert.Equal(t, "@every 2s", list[1].Spec)
	assert.True(t, list[0].Next.IsZero())

	s.Start(context.Background())
	defer s.Stop(context.Background())
	assert.False(t, s.Schedules()[0].Next.IsZero())
}
