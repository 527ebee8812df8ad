package derive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"eewbot/internal/eew"
	"eewbot/internal/eventbus"
	"eewbot/internal/task/engine"
	logx "eewbot/pkg/logx"
)

type Config struct {
	Timeout      time.Duration
	MapCacheSize int
	Regions      []Region // defaults to TaiwanRegions
}

// Pool is where computations run.
type Pool interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

// Service computes derived data for alert versions on a worker pool. At
// most one computation per alert id is live; starting a newer version
// cancels the previous one first.
type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	pool Pool

	maps *lru.Cache[string, *eew.MapArtifact]

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config, pool Pool, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if pool == nil {
		return nil, errors.New("derive: pool is required")
	}
	if cfg.MapCacheSize <= 0 {
		cfg.MapCacheSize = 32
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = TaiwanRegions
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cache, err := lru.New[string, *eew.MapArtifact](cfg.MapCacheSize)
	if err != nil {
		return nil, fmt.Errorf("derive: map cache: %w", err)
	}
	return &Service{cfg: cfg, log: log, bus: bus, pool: pool, maps: cache, jobs: map[string]*job{}}, nil
}

type job struct {
	alert  *eew.Alert
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	closeOnce sync.Once
}

func (j *job) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.cancel()
}

func (j *job) Done() <-chan struct{} { return j.done }

func (j *job) finish() { j.closeOnce.Do(func() { close(j.done) }) }

// publish stores d on the alert unless the job was cancelled.
func (j *job) publish(d *eew.Derived) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.alert.SetDerived(d)
	return true
}

// Start returns the computation for a, starting it if needed. Calling it
// again for the same *Alert returns the same live job.
func (s *Service) Start(a *eew.Alert) eew.Job {
	s.mu.Lock()
	if cur := s.jobs[a.ID]; cur != nil {
		if cur.alert == a && cur.ctx.Err() == nil {
			s.mu.Unlock()
			return cur
		}
		cur.Cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{alert: a, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.jobs[a.ID] = j
	s.mu.Unlock()

	if a.Derived() != nil {
		s.release(j)
		return j
	}

	task := engine.Task{
		Name:    "derive " + a.Version(),
		Timeout: s.cfg.Timeout,
		Run:     func(ctx context.Context) error { return s.run(ctx, j) },
	}
	err := s.pool.Enqueue(task)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrDisabled):
		go func() { _ = s.run(context.Background(), j) }()
	case errors.Is(err, engine.ErrQueueFull):
		go s.waitForRoom(j, task)
	default:
		s.fail(j, fmt.Errorf("enqueue: %w", err))
		s.release(j)
	}
	return j
}

// waitForRoom retries a task the pool had no room for. It gives up when the
// version is superseded or after the computation timeout.
func (s *Service) waitForRoom(j *job, t engine.Task) {
	ctx := j.ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := s.pool.Submit(ctx, t); err != nil {
		if j.ctx.Err() == nil {
			s.fail(j, fmt.Errorf("submit: %w", err))
		}
		s.release(j)
	}
}

// Cancel stops the computation for a if it is still the current one.
func (s *Service) Cancel(a *eew.Alert) {
	s.mu.Lock()
	cur := s.jobs[a.ID]
	if cur != nil && cur.alert == a {
		delete(s.jobs, a.ID)
	} else {
		cur = nil
	}
	s.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

// Stop cancels everything in flight.
func (s *Service) Stop() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = map[string]*job{}
	s.mu.Unlock()
	for _, j := range jobs {
		j.Cancel()
	}
}

func (s *Service) release(j *job) {
	s.mu.Lock()
	if s.jobs[j.alert.ID] == j {
		delete(s.jobs, j.alert.ID)
	}
	s.mu.Unlock()
	j.finish()
}

func (s *Service) run(ctx context.Context, j *job) error {
	defer s.release(j)
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(j.ctx, stop)
	defer unhook()

	a := j.alert
	start := time.Now()
	d, err := s.compute(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug("derive cancelled", logx.String("id", a.ID), logx.Int("serial", a.Serial))
			return nil
		}
		s.fail(j, err)
		return err
	}
	if !j.publish(d) {
		s.log.Debug("derive result discarded", logx.String("id", a.ID), logx.Int("serial", a.Serial))
		return nil
	}
	s.log.Debug("derived data ready",
		logx.String("id", a.ID),
		logx.Int("serial", a.Serial),
		logx.Int("regions", len(d.Regions)),
		logx.String("map", humanize.Bytes(uint64(len(d.Map.PNG)))),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Service) compute(ctx context.Context, a *eew.Alert) (*eew.Derived, error) {
	eq := a.Earthquake
	regions := Estimate(eq, s.cfg.Regions)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	art, err := s.mapFor(eq, regions)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &eew.Derived{Regions: regions, Map: art, ComputedAt: time.Now()}, nil
}

func (s *Service) mapFor(eq eew.Earthquake, regions []eew.RegionEstimate) (*eew.MapArtifact, error) {
	key := fmt.Sprintf("%.2f/%.2f/%.0f/%.1f", eq.Lat, eq.Lon, eq.Depth, eq.Magnitude)
	if art, ok := s.maps.Get(key); ok {
		return art, nil
	}
	data, err := RenderMap(eq, regions)
	if err != nil {
		return nil, fmt.Errorf("render map: %w", err)
	}
	art := &eew.MapArtifact{Name: "image.png", PNG: data}
	s.maps.Add(key, art)
	return art, nil
}

func (s *Service) fail(j *job, err error) {
	a := j.alert
	s.log.Warn("derive failed", logx.String("id", a.ID), logx.Int("serial", a.Serial), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeriveFailed, Data: a.Version()})
}
