package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"eewbot/internal/eew"
	"eewbot/internal/eventbus"
	"eewbot/internal/notify"
	logx "eewbot/pkg/logx"
)

type Config struct {
	// EscalateAfter is the number of consecutive failures after which a
	// backend's failures are logged at error level. 0 means 5.
	EscalateAfter int
}

// Failure is the payload of dispatch.failed bus events.
type Failure struct {
	Backend string `json:"backend"`
	Kind    string `json:"kind"`
	AlertID string `json:"alert_id"`
	Serial  int    `json:"serial"`
	Streak  int    `json:"streak"`
	Error   string `json:"error"`
}

// Dispatcher fans every event out to all backends concurrently. A failing
// or panicking backend is logged and otherwise ignored.
type Dispatcher struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	backends []notify.Backend

	mu      sync.Mutex
	streaks map[string]int
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, backends ...notify.Backend) *Dispatcher {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		backends: backends,
		streaks:  map[string]int{},
	}
}

func (d *Dispatcher) Backends() []notify.Backend { return d.backends }

// Broadcast returns after every backend call for ev has returned.
func (d *Dispatcher) Broadcast(ctx context.Context, ev eew.Event) {
	if ev.Alert == nil || len(d.backends) == 0 {
		return
	}
	errs := make([]error, len(d.backends))
	var eg errgroup.Group
	for i, b := range d.backends {
		eg.Go(func() error {
			errs[i] = d.deliver(ctx, b, ev)
			return nil
		})
	}
	_ = eg.Wait()

	var merr *multierror.Error
	escalated := false
	for i, err := range errs {
		name := d.backends[i].Name()
		streak := d.note(name, err)
		if err == nil {
			continue
		}
		if streak >= d.cfg.EscalateAfter {
			escalated = true
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Data: Failure{
			Backend: name,
			Kind:    ev.Kind.String(),
			AlertID: ev.Alert.ID,
			Serial:  ev.Alert.Serial,
			Streak:  streak,
			Error:   err.Error(),
		}})
	}
	if merr == nil {
		return
	}
	fields := []logx.Field{
		logx.String("kind", ev.Kind.String()),
		logx.String("id", ev.Alert.ID),
		logx.Int("serial", ev.Alert.Serial),
		logx.Int("failed", merr.Len()),
		logx.Int("backends", len(d.backends)),
		logx.Err(merr.ErrorOrNil()),
	}
	if escalated {
		d.log.Error("backend delivery failing persistently", fields...)
		return
	}
	d.log.Warn("backend delivery failed", fields...)
}

func (d *Dispatcher) deliver(ctx context.Context, b notify.Backend, ev eew.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("backend panicked",
				logx.String("backend", b.Name()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return notify.Deliver(ctx, b, ev)
}

// note updates the consecutive-failure streak for name and returns it.
func (d *Dispatcher) note(name string, err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		if prev := d.streaks[name]; prev >= d.cfg.EscalateAfter {
			d.log.Info("backend recovered", logx.String("backend", name), logx.Int("failed_in_a_row", prev))
		}
		delete(d.streaks, name)
		return 0
	}
	d.streaks[name]++
	return d.streaks[name]
}

// Streaks returns the current consecutive-failure count per failing backend.
func (d *Dispatcher) Streaks() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.streaks))
	for k, v := range d.streaks {
		out[k] = v
	}
	return out
}
