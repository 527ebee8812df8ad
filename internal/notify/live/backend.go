// Package live keeps one message per destination for every active alert
// and edits it in place while the alert evolves: info on each new report,
// a per-region countdown until the S-wave arrives, and the intensity map.
package live

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"eewbot/internal/eew"
	logx "eewbot/pkg/logx"
)

type Config struct {
	RefreshInterval time.Duration
	Location        *time.Location // timestamps in messages
}

// Deriver owns the derived-data computations the countdown needs.
type Deriver interface {
	Start(a *eew.Alert) eew.Job
	Cancel(a *eew.Alert)
}

// GoFunc runs a named background loop; the supervisor's Go0 fits.
type GoFunc func(name string, fn func(ctx context.Context))

var ErrNoDestination = errors.New("live: no destination accepted the alert")

type Backend struct {
	cfg     Config
	log     logx.Logger
	deriver Deriver
	dests   []Destination
	now     func() time.Time

	mu      sync.Mutex
	sets    map[string]*MessageSet
	ctx     context.Context
	goFn    GoFunc
	looping bool
}

type Option func(*Backend)

// WithClock replaces time.Now for countdown rendering.
func WithClock(now func() time.Time) Option { return func(b *Backend) { b.now = now } }

func New(cfg Config, log logx.Logger, deriver Deriver, dests []Destination, opts ...Option) *Backend {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("CST", 8*3600)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Backend{
		cfg:     cfg,
		log:     log.With(logx.String("backend", "live")),
		deriver: deriver,
		dests:   dests,
		now:     time.Now,
		sets:    map[string]*MessageSet{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return "live" }

// Start enables the refresh loop. It is launched lazily whenever at least
// one alert is tracked. goFn may be nil.
func (b *Backend) Start(ctx context.Context, goFn GoFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
	b.goFn = goFn
	if len(b.sets) > 0 {
		b.ensureLoopLocked()
	}
}

// Stop disables the loop; tracked alerts are kept.
func (b *Backend) Stop() {
	b.mu.Lock()
	b.ctx = nil
	b.mu.Unlock()
}

// Looping reports whether the refresh loop is running.
func (b *Backend) Looping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.looping
}

// Set returns the message set tracking id, if any.
func (b *Backend) Set(id string) *MessageSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets[id]
}

func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sets)
}

// SendNew posts the info view to every destination, registers the set and
// starts the derived-data computation.
func (b *Backend) SendNew(ctx context.Context, a *eew.Alert) error {
	if b.Set(a.ID) != nil {
		return b.SendUpdate(ctx, a)
	}
	info := RenderInfo(a, b.cfg.Location)
	set := newMessageSet(a, info)

	handles := make([]*Handle, len(b.dests))
	errs := make([]error, len(b.dests))
	var g errgroup.Group
	for i, d := range b.dests {
		g.Go(func() error {
			errs[i] = b.safely(d.Name(), a, func() error {
				h, err := d.Send(ctx, Content{Info: info})
				if err != nil {
					return fmt.Errorf("%s: %w", d.Name(), err)
				}
				handles[i] = &h
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, h := range handles {
		if h == nil {
			b.log.Warn("fail to send alert message",
				logx.String("dest", b.dests[i].Name()), logx.String("id", a.ID), logx.Err(errs[i]))
			merr = multierror.Append(merr, errs[i])
			continue
		}
		set.slots = append(set.slots, slot{dest: b.dests[i], handle: *h})
	}

	b.mu.Lock()
	b.sets[a.ID] = set
	b.ensureLoopLocked()
	b.mu.Unlock()

	if b.deriver != nil {
		b.deriver.Start(a)
	}

	if len(set.slots) == 0 && len(b.dests) > 0 {
		return fmt.Errorf("%w: %v", ErrNoDestination, merr.ErrorOrNil())
	}
	return merr.ErrorOrNil()
}

// SendUpdate swaps the tracked set to the newer version a. The superseded
// computation is cancelled before the new one starts, and the map will be
// uploaded again. Messages change on the next refresh.
func (b *Backend) SendUpdate(ctx context.Context, a *eew.Alert) error {
	set := b.Set(a.ID)
	if set == nil {
		return b.SendNew(ctx, a)
	}
	old, ok := set.swap(a, RenderInfo(a, b.cfg.Location))
	if !ok {
		return nil
	}
	if b.deriver != nil {
		b.deriver.Cancel(old)
		b.deriver.Start(a)
	}
	return nil
}

// SendLift stops tracking the alert. Posted messages stay as they are.
func (b *Backend) SendLift(ctx context.Context, a *eew.Alert) error {
	b.mu.Lock()
	delete(b.sets, a.ID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) ensureLoopLocked() {
	if b.looping || b.ctx == nil {
		return
	}
	b.looping = true
	ctx := b.ctx
	if b.goFn != nil {
		b.goFn("live.refresh", b.loop)
		return
	}
	go b.loop(ctx)
}

func (b *Backend) loop(ctx context.Context) {
	t := time.NewTicker(b.cfg.RefreshInterval)
	defer t.Stop()
	b.log.Debug("refresh loop started")
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.looping = false
			b.mu.Unlock()
			return
		case <-t.C:
		}

		b.mu.Lock()
		if len(b.sets) == 0 || b.ctx == nil {
			b.looping = false
			b.mu.Unlock()
			b.log.Debug("refresh loop idle")
			return
		}
		b.mu.Unlock()

		b.Refresh(ctx)
	}
}

// Refresh edits every tracked set once.
func (b *Backend) Refresh(ctx context.Context) {
	b.mu.Lock()
	sets := make([]*MessageSet, 0, len(b.sets))
	for _, s := range b.sets {
		sets = append(sets, s)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, s := range sets {
		a := s.Alert()
		g.Go(func() error {
			_ = b.safely("refresh", a, func() error {
				b.refreshSet(ctx, s)
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Backend) snapshot(set *MessageSet) (plan, bool) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if len(set.slots) == 0 {
		return plan{}, false
	}
	p := plan{
		alert:   set.alert,
		slots:   append([]slot(nil), set.slots...),
		derived: set.alert.Derived(),
		content: Content{Info: set.info, ImageRef: set.mapRef},
	}
	if p.derived == nil {
		// keep the last countdown on screen until the new version catches up
		p.content.Intensity = set.intensity
		return p, set.info != set.shown
	}
	p.content.Intensity = RenderIntensity(p.derived.Regions, b.now(), set.arrived)
	return p, true
}

func (b *Backend) refreshSet(ctx context.Context, set *MessageSet) {
	p, ok := b.snapshot(set)
	if !ok {
		return
	}
	handles := make([]Handle, len(p.slots))
	mapRef := p.content.ImageRef
	rest := 0

	if p.derived != nil && p.derived.Map != nil && mapRef == "" {
		// the primary uploads the map once per version; everybody else
		// reuses its reference
		primary := p.slots[0]
		c := p.content
		c.Image = p.derived.Map
		var h Handle
		err := b.safely(primary.dest.Name(), p.alert, func() error {
			var err error
			h, err = primary.dest.Edit(ctx, primary.handle, c)
			return err
		})
		handles[0] = h
		switch {
		case err != nil:
			b.log.Warn("fail to upload map", logx.String("dest", primary.dest.Name()),
				logx.String("id", p.alert.ID), logx.Int("serial", p.alert.Serial), logx.Err(err))
		case h.ImageRef == "":
			b.log.Warn("map upload returned no reference", logx.String("dest", primary.dest.Name()))
		default:
			mapRef = h.ImageRef
		}
		rest = 1
	}

	c := p.content
	c.ImageRef = mapRef
	var g errgroup.Group
	for i := rest; i < len(p.slots); i++ {
		s := p.slots[i]
		g.Go(func() error {
			err := b.safely(s.dest.Name(), p.alert, func() error {
				h, err := s.dest.Edit(ctx, s.handle, c)
				handles[i] = h
				return err
			})
			if err != nil {
				b.log.Warn("fail to edit alert message", logx.String("dest", s.dest.Name()),
					logx.String("id", p.alert.ID), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	set.commit(p, handles, mapRef)
}

// safely runs a destination call, turning a panic into that call's error.
func (b *Backend) safely(dest string, a *eew.Alert, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("destination panicked",
				logx.String("dest", dest),
				logx.String("id", a.ID),
				logx.Int("serial", a.Serial),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", dest, r)
		}
	}()
	return fn()
}
