package derive

import (
	"bytes"
	"context"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eewbot/internal/eew"
	"eewbot/internal/task/engine"
	logx "eewbot/pkg/logx"
)

// heldPool keeps tasks until the test runs them.
type heldPool struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
	block bool // Submit waits for ctx instead of accepting
}

func (p *heldPool) Enqueue(t engine.Task) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	return nil
}

func (p *heldPool) Submit(ctx context.Context, t engine.Task) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	return nil
}

func (p *heldPool) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *heldPool) runAll(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		_ = task.Run(context.Background())
	}
}

func quake() eew.Earthquake {
	return eew.Earthquake{
		Lat: 24.23, Lon: 122.16, Depth: 40, Magnitude: 6.9,
		Time: time.Date(2024, 4, 3, 7, 58, 9, 0, time.UTC),
	}
}

func newAlert(id string, serial int) *eew.Alert {
	return &eew.Alert{ID: id, Serial: serial, Earthquake: quake()}
}

func waitDone(t *testing.T, j eew.Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not finish")
	}
}

func TestStartPublishesDerivedData(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a := newAlert("A", 1)
	j := s.Start(a)
	assert.Nil(t, a.Derived())
	pool.runAll(t)
	waitDone(t, j)

	d := a.Derived()
	require.NotNil(t, d)
	assert.Len(t, d.Regions, len(TaiwanRegions))
	require.NotNil(t, d.Map)
	assert.Equal(t, "image.png", d.Map.Name)

	img, err := png.Decode(bytes.NewReader(d.Map.PNG))
	require.NoError(t, err)
	assert.Equal(t, mapWidth, img.Bounds().Dx())
	assert.Equal(t, mapHeight, img.Bounds().Dy())
}

func TestStartIsIdempotentPerVersion(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a := newAlert("A", 1)
	j1 := s.Start(a)
	j2 := s.Start(a)
	assert.Same(t, j1, j2)
	assert.Len(t, pool.tasks, 1)
}

func TestStartNewerVersionCancelsPrevious(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	old := newAlert("A", 1)
	oldJob := s.Start(old)
	cur := newAlert("A", 2)
	curJob := s.Start(cur)
	assert.NotSame(t, oldJob, curJob)

	pool.runAll(t)
	waitDone(t, oldJob)
	waitDone(t, curJob)
	assert.Nil(t, old.Derived(), "cancelled computation must not publish")
	assert.NotNil(t, cur.Derived())
}

func TestCancelPreventsPublish(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a := newAlert("A", 1)
	j := s.Start(a)
	j.Cancel()
	j.Cancel()
	pool.runAll(t)
	waitDone(t, j)
	assert.Nil(t, a.Derived())
}

func TestServiceCancelIgnoresOtherVersions(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	old := newAlert("A", 1)
	s.Start(old)
	cur := newAlert("A", 2)
	s.Start(cur)
	s.Cancel(old)
	pool.runAll(t)
	assert.NotNil(t, cur.Derived())
}

func TestQueueFullWaitsForRoom(t *testing.T) {
	pool := &heldPool{err: engine.ErrQueueFull}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a := newAlert("A", 1)
	j := s.Start(a)
	require.Eventually(t, func() bool { return pool.queued() == 1 }, time.Second, 5*time.Millisecond)
	pool.runAll(t)
	waitDone(t, j)
	assert.NotNil(t, a.Derived())
}

func TestQueueFullGivesUpWhenSuperseded(t *testing.T) {
	pool := &heldPool{err: engine.ErrQueueFull, block: true}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)
	defer s.Stop()

	a := newAlert("A", 1)
	j := s.Start(a)
	s.Start(newAlert("A", 2))
	waitDone(t, j)
	assert.Nil(t, a.Derived())
}

func TestQueueFullTimesOut(t *testing.T) {
	pool := &heldPool{err: engine.ErrQueueFull, block: true}
	s, err := New(Config{Timeout: 20 * time.Millisecond}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a := newAlert("A", 1)
	waitDone(t, s.Start(a))
	assert.Nil(t, a.Derived())
}

func TestMapCacheReused(t *testing.T) {
	pool := &heldPool{}
	s, err := New(Config{}, pool, logx.Nop(), nil)
	require.NoError(t, err)

	a, b := newAlert("A", 1), newAlert("B", 1)
	s.Start(a)
	s.Start(b)
	pool.runAll(t)
	require.NotNil(t, a.Derived())
	require.NotNil(t, b.Derived())
	assert.Same(t, a.Derived().Map, b.Derived().Map)
}

func TestWithRealEngine(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s, err := New(Config{Timeout: 5 * time.Second}, eng, logx.Nop(), nil)
	require.NoError(t, err)
	a := newAlert("A", 1)
	waitDone(t, s.Start(a))
	assert.NotNil(t, a.Derived())
}

func TestEstimate(t *testing.T) {
	eq := quake()
	got := Estimate(eq, TaiwanRegions)
	require.Len(t, got, len(TaiwanRegions))

	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		assert.False(t, got[i].Arrival.Before(got[i-1].Arrival))
		assert.GreaterOrEqual(t, int(got[i-1].Intensity), int(got[i].Intensity))
	}
	nearest := got[0]
	assert.Equal(t, "花蓮縣", nearest.City)
	assert.GreaterOrEqual(t, nearest.Distance, eq.Depth)
	want := eq.Time.Add(time.Duration(nearest.Distance / sWaveKmPerSec * float64(time.Second)))
	assert.WithinDuration(t, want, nearest.Arrival, time.Millisecond)
	assert.True(t, nearest.Intensity.Felt())

	far := got[len(got)-1]
	assert.Equal(t, "金門縣", far.City)
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is about 111 km.
	assert.InDelta(t, 111.2, haversineKm(24, 121, 25, 121), 0.5)
	assert.InDelta(t, 0, haversineKm(24, 121, 24, 121), 1e-9)
	assert.False(t, math.IsNaN(haversineKm(0, 0, 0, 180)))
}
