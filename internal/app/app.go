package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eewbot/internal/config"
	"eewbot/internal/derive"
	"eewbot/internal/dispatch"
	"eewbot/internal/eventbus"
	"eewbot/internal/feed"
	"eewbot/internal/notify"
	"eewbot/internal/notify/journal"
	"eewbot/internal/notify/live"
	"eewbot/internal/notify/push"
	"eewbot/internal/observability/debug"
	rtsup "eewbot/internal/runtime/supervisor"
	"eewbot/internal/storage"
	"eewbot/internal/task/engine"
	"eewbot/internal/task/scheduler"
	telegram "eewbot/internal/transport/telegram/adapter"
	logx "eewbot/pkg/logx"
)

// healthSpec is how often the runtime counters are logged.
const healthSpec = "@every 15m"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg *telegram.Adapter

	engine   *engine.Service
	sched    *scheduler.Service
	deriver  *derive.Service
	live     *live.Backend
	push     *push.Backend
	dispatch *dispatch.Dispatcher
	feed     *feed.Client
	dbg      *debug.Service

	pollEvery time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var tg *telegram.Adapter
	if needsTelegram(cfg) {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err = telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			RatePerSec: cfg.Live.EditRatePerSec,
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	// A nil *Adapter must not reach logx as a non-nil Sender.
	var sender logx.Sender
	if tg != nil {
		sender = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, tg: tg, bus: eventbus.New()}
	if err := a.build(cfg, root); err != nil {
		_ = logSvc.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, err
	}
	return a, nil
}

// build creates every component from cfg. Nothing is started.
func (a *App) build(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, comp("engine"), a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, comp("scheduler"))

	dcfg, err := mapDeriveConfig(cfg)
	if err != nil {
		return err
	}
	a.deriver, err = derive.New(dcfg, a.engine, comp("derive"), a.bus)
	if err != nil {
		return err
	}

	var backends []notify.Backend
	if cfg.Live.Enabled {
		lcfg, err := mapLiveConfig(cfg)
		if err != nil {
			return err
		}
		a.live = live.New(lcfg, comp("live"), a.deriver, liveDestinations(cfg, a.tg))
		backends = append(backends, a.live)
	}
	if cfg.Push.Enabled {
		pcfg, err := mapPushConfig(cfg)
		if err != nil {
			return err
		}
		a.push = push.New(pcfg, a.tg, comp("push"), a.bus, a.store)
		backends = append(backends, a.push)
	}
	if cfg.Journal.Enabled {
		j, err := journal.New(a.store)
		if err != nil {
			return err
		}
		backends = append(backends, j)
	}
	if len(backends) == 0 {
		a.log.Warn("no notification backend enabled; alerts are only logged")
	}
	a.dispatch = dispatch.New(dispatch.Config{EscalateAfter: cfg.Dispatch.EscalateAfter}, comp("dispatch"), a.bus, backends...)

	fcfg, every, err := mapFeedConfig(cfg)
	if err != nil {
		return err
	}
	a.pollEvery = every
	a.feed, err = feed.New(fcfg, feed.Deps{
		Log:        comp("feed"),
		Bus:        a.bus,
		Deriver:    a.deriver,
		Dispatcher: a.dispatch,
		Go:         a.goBackground,
	})
	if err != nil {
		return err
	}

	a.dbg = debug.New(mapDebugConfig(cfg), comp("debug"), func() any { return a.Status() })
	return nil
}

// goBackground runs fn under the app supervisor once started.
func (a *App) goBackground(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return checkMappings(cfg) })

	if err := a.dbg.Start(c); err != nil {
		return fmt.Errorf("debug endpoint: %w", err)
	}
	a.engine.Start(c)
	if a.push != nil {
		a.push.Start(c)
	}
	if a.live != nil {
		a.live.Start(c, a.sup.Go0)
	}

	if err := a.sched.Every("feed.poll", a.pollEvery, 0, a.feed.Tick); err != nil {
		return err
	}
	if err := a.sched.AddCron("health.log", healthSpec, 5*time.Second, func(context.Context) { a.logHealth() }); err != nil {
		return err
	}
	a.sched.Start(c)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// components log their own failures; this is a trace of the bus
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("eewbot started",
		logx.Duration("poll_interval", a.pollEvery),
		logx.Int("backends", len(a.dispatch.Backends())),
	)
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies the live sections of a reload and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
}

// checkMappings rejects a reload whose sections cannot be turned into
// component configs.
func checkMappings(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapFeedConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLiveConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPushConfig(cfg); err != nil {
		return err
	}
	if dc := mapDebugConfig(cfg); dc.Enabled {
		return debug.CheckBind(dc.Addr, dc.Token)
	}
	return nil
}

// Status is a point-in-time view of the runtime counters.
type Status struct {
	Feed           feed.Stats         `json:"feed"`
	Alerts         map[string]int     `json:"alerts"` // id -> serial
	EngineQueue    int                `json:"engine_queue"`
	EngineInFlight int                `json:"engine_in_flight"`
	EngineDropped  uint64             `json:"engine_dropped"`
	LiveSets       int                `json:"live_sets"`
	FailureStreaks map[string]int     `json:"failure_streaks,omitempty"`
	Supervisor     rtsup.Counters     `json:"supervisor"`
	Schedules      []scheduleStatus   `json:"schedules"`
	PushRecent     []push.HistoryItem `json:"push_recent,omitempty"`
}

type scheduleStatus struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

func (a *App) Status() Status {
	es := a.engine.Snapshot()
	st := Status{
		Feed:           a.feed.Stats(),
		Alerts:         a.feed.Known(),
		EngineQueue:    es.QueueLen,
		EngineInFlight: es.InFlight,
		EngineDropped:  es.Dropped,
		FailureStreaks: a.dispatch.Streaks(),
		Supervisor:     a.sup.Counters(),
	}
	if a.live != nil {
		st.LiveSets = a.live.Len()
	}
	if a.push != nil {
		st.PushRecent = a.push.History()
	}
	for _, s := range a.sched.Schedules() {
		st.Schedules = append(st.Schedules, scheduleStatus{Name: s.Name, Spec: s.Spec, Next: s.Next})
	}
	return st
}

func (a *App) logHealth() {
	st := a.Status()
	fields := []logx.Field{
		logx.Uint64("polls", st.Feed.Polls),
		logx.Uint64("poll_failures", st.Feed.Failures),
		logx.Uint64("ticks_skipped", st.Feed.SkippedTicks),
		logx.Int("alerts", st.Feed.Known),
		logx.Int("engine_queue", st.EngineQueue),
		logx.Uint64("engine_dropped", st.EngineDropped),
		logx.Int("live_sets", st.LiveSets),
		logx.Int64("goroutines", st.Supervisor.Active),
		logx.Uint64("panics", st.Supervisor.Panics),
	}
	if len(st.FailureStreaks) > 0 {
		fields = append(fields, logx.Any("failure_streaks", st.FailureStreaks))
	}
	a.log.Info("health", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown action so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Triggers first, then producers, then sinks.
	step("debug", time.Second, a.dbg.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("feed", time.Second, func(context.Context) error { a.feed.Close(); return nil })
	step("live", time.Second, func(context.Context) error {
		if a.live != nil {
			a.live.Stop()
		}
		return nil
	})
	step("derive", time.Second, func(context.Context) error { a.deriver.Stop(); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("push", 3*time.Second, func(c context.Context) error {
		if a.push != nil {
			a.push.Stop(c)
		}
		return nil
	})
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Close(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
