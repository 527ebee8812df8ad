// Package push sends one short line per alert event to plain chat targets
// through a queue, a worker pool, a rate limit, retries and a dedup window.
package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"eewbot/internal/eew"
	"eewbot/internal/eventbus"
	rtsup "eewbot/internal/runtime/supervisor"
	"eewbot/internal/storage"
	"eewbot/internal/transport"
	logx "eewbot/pkg/logx"
	"eewbot/pkg/tgui"
)

var (
	ErrDisabled  = errors.New("push disabled")
	ErrQueueFull = errors.New("push queue full")
	ErrStopped   = errors.New("push stopped")
)

type job struct {
	target transport.ChatTarget
	text   string
	ev     PushEvent
}

// Backend is safe for concurrent use.
type Backend struct {
	mu sync.Mutex

	log   logx.Logger
	tx    transport.Adapter
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, tx transport.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("CST", 8*3600)
	}
	return &Backend{
		log:   log.With(logx.String("backend", "push")),
		tx:    tx,
		bus:   bus,
		store: store,
		cfg:   cfg,
		// burst = rate so short spikes do not block
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (b *Backend) Name() string { return "push" }

// Start launches the workers. It is idempotent.
func (b *Backend) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.stopDone != nil {
		done := b.stopDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		b.mu.Lock()
	}
	if b.queue != nil || !b.cfg.Enabled {
		b.mu.Unlock()
		return
	}
	b.queue = make(chan job, b.cfg.QueueSize)
	b.accepting = true
	if b.cfg.PersistDedup && b.store != nil {
		b.persistCh = make(chan dedupWrite, 256)
	}
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log))
	q, pch, sup, workers := b.queue, b.persistCh, b.sup, b.cfg.Workers
	b.mu.Unlock()

	if pch != nil {
		sup.Go0("push.persist", func(c context.Context) { b.persistLoop(c, pch) })
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("push.worker.%d", i), func(c context.Context) error {
			b.workerLoop(c, q)
			b.mu.Lock()
			stopping := b.stopDone != nil
			b.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("push worker exited unexpectedly")
		})
	}
	b.log.Info("push backend started", logx.Int("targets", len(b.cfg.Targets)), logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (b *Backend) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	q, pch, sup := b.queue, b.persistCh, b.sup
	if q == nil {
		b.mu.Unlock()
		return
	}
	if b.stopDone != nil {
		done := b.stopDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	b.stopDone = done
	b.accepting = false
	b.mu.Unlock()

	go func() {
		defer close(done)
		// in-flight enqueues finish before the queue closes
		b.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		b.mu.Lock()
		b.queue, b.persistCh, b.stopDone, b.sup = nil, nil, nil, nil
		b.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (b *Backend) SendNew(ctx context.Context, a *eew.Alert) error {
	return b.push(ctx, eew.EventNew, a)
}

func (b *Backend) SendUpdate(ctx context.Context, a *eew.Alert) error {
	if !b.cfg.OnUpdate && !a.Final {
		return nil
	}
	return b.push(ctx, eew.EventUpdate, a)
}

func (b *Backend) SendLift(ctx context.Context, a *eew.Alert) error {
	if !b.cfg.OnLift {
		return nil
	}
	return b.push(ctx, eew.EventLift, a)
}

// push queues one message per target. Dedup and a full queue are judged
// per target; failures are joined.
func (b *Backend) push(ctx context.Context, kind eew.EventKind, a *eew.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return ErrDisabled
	}
	if !b.accepting || b.queue == nil {
		b.mu.Unlock()
		return ErrStopped
	}
	q, pch := b.queue, b.persistCh
	b.sendWG.Add(1)
	b.mu.Unlock()
	defer b.sendWG.Done()

	text := Render(kind, a, b.cfg.Location)
	var merr *multierror.Error
	for _, to := range b.cfg.Targets {
		now := time.Now()
		key := dedupKey(kind, a, to)
		ev := PushEvent{AlertID: a.ID, Serial: a.Serial, Kind: kind.String(), ChatID: to.ChatID, ThreadID: to.ThreadID, Key: key, At: now}

		if b.cfg.DedupWindow > 0 && !b.dedupAllow(ctx, key, now, pch) {
			b.bus.Publish(eventbus.Event{Type: EventDeduped, Time: now, Data: ev})
			continue
		}
		select {
		case q <- job{target: to, text: text, ev: ev}:
			b.bus.Publish(eventbus.Event{Type: EventQueued, Time: now, Data: ev})
		default:
			ev.Error = ErrQueueFull.Error()
			b.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: ev})
			merr = multierror.Append(merr, fmt.Errorf("chat %d: %w", to.ChatID, ErrQueueFull))
		}
	}
	return merr.ErrorOrNil()
}

// maxPlaceRunes keeps push notifications to one line on phones.
const maxPlaceRunes = 32

// Render is the single line pushed for an event.
func Render(kind eew.EventKind, a *eew.Alert, loc *time.Location) string {
	eq := a.Earthquake
	place := tgui.TruncRunes(eq.Location, maxPlaceRunes)
	var sb strings.Builder
	switch kind {
	case eew.EventLift:
		fmt.Fprintf(&sb, "EEW #%d lifted", a.Serial)
		if place != "" {
			sb.WriteString(" (" + place + ")")
		}
		return sb.String()
	case eew.EventUpdate:
		fmt.Fprintf(&sb, "EEW update #%d", a.Serial)
	default:
		fmt.Fprintf(&sb, "EEW #%d", a.Serial)
	}
	if a.Final {
		sb.WriteString(" final")
	}
	sb.WriteString(": ")
	if !eq.Time.IsZero() {
		sb.WriteString(eq.Time.In(loc).Format("15:04:05") + " ")
	}
	fmt.Fprintf(&sb, "M%s depth %skm", humanize.Ftoa(eq.Magnitude), humanize.Ftoa(eq.Depth))
	if place != "" {
		sb.WriteString(" near " + place)
	}
	fmt.Fprintf(&sb, ", max intensity %s", eq.MaxIntensity)
	return sb.String()
}

func dedupKey(kind eew.EventKind, a *eew.Alert, to transport.ChatTarget) string {
	return fmt.Sprintf("%s|%d|%s|%d:%d", a.ID, a.Serial, kind, to.ChatID, to.ThreadID)
}

func (b *Backend) dedupAllow(ctx context.Context, key string, now time.Time, pch chan dedupWrite) bool {
	b.dmu.Lock()
	if until, ok := b.dedup[key]; ok && now.Before(until) {
		b.dmu.Unlock()
		return false
	}
	b.dmu.Unlock()

	// survives restarts when persisted
	if pch != nil && b.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := b.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			b.dmu.Lock()
			b.dedup[key] = until
			b.dmu.Unlock()
			return false
		}
	}

	until := now.Add(b.cfg.DedupWindow)
	b.dmu.Lock()
	b.dedup[key] = until
	for k, u := range b.dedup {
		if !now.Before(u) {
			delete(b.dedup, k)
		}
	}
	for len(b.dedup) > b.cfg.DedupMaxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range b.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(b.dedup, oldest)
	}
	b.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (b *Backend) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := b.store.PutDedup(cctx, w.key, w.until); err != nil {
				b.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (b *Backend) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			b.sendWithRetry(ctx, j)
		}
	}
}

func (b *Backend) sendWithRetry(ctx context.Context, j job) {
	cfg := b.cfg
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := b.tx.SendText(cctx, j.target, j.text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			b.appendHistory(j.ev.Key, j.text)
			b.bus.Publish(eventbus.Event{Type: EventSent, Time: time.Now(), Data: j.ev})
			return
		}
		lastErr = err
		b.log.Debug("push send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	b.log.Warn("push delivery failed",
		logx.String("id", j.ev.AlertID),
		logx.Int("serial", j.ev.Serial),
		logx.Int64("chat_id", j.target.ChatID),
		logx.Err(lastErr),
	)
	j.ev.Error = lastErr.Error()
	j.ev.At = time.Now()
	b.bus.Publish(eventbus.Event{Type: EventFailed, Time: j.ev.At, Data: j.ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// History returns recently delivered messages, oldest first.
func (b *Backend) History() []HistoryItem {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return append([]HistoryItem(nil), b.history...)
}

func (b *Backend) appendHistory(key, text string) {
	b.hmu.Lock()
	b.history = append(b.history, HistoryItem{At: time.Now(), Key: key, Text: text})
	if len(b.history) > 100 {
		b.history = b.history[len(b.history)-100:]
	}
	b.hmu.Unlock()
}
