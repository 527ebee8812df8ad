package app

import (
	"runtime"
	"strings"
	"time"

	"eewbot/internal/config"
	"eewbot/internal/derive"
	"eewbot/internal/feed"
	"eewbot/internal/notify/live"
	"eewbot/internal/notify/push"
	"eewbot/internal/observability/debug"
	"eewbot/internal/storage"
	"eewbot/internal/task/engine"
	"eewbot/internal/transport"
	logx "eewbot/pkg/logx"
)

const defaultRetry = 3

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// needsTelegram reports whether any component talks to the Bot API.
func needsTelegram(cfg *config.Config) bool {
	return cfg.Live.Enabled || cfg.Push.Enabled || cfg.Logging.Telegram.Enabled
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, true, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	workers := cfg.Derive.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queue := cfg.Derive.QueueSize
	if queue <= 0 {
		queue = 64
	}
	timeout, err := config.ParseDurationOrDefault("derive.timeout", cfg.Derive.Timeout, 10*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		HistorySize:    100,
	}, nil
}

func mapDeriveConfig(cfg *config.Config) (derive.Config, error) {
	timeout, err := config.ParseDurationOrDefault("derive.timeout", cfg.Derive.Timeout, 10*time.Second)
	if err != nil {
		return derive.Config{}, err
	}
	return derive.Config{Timeout: timeout, MapCacheSize: cfg.Derive.MapCacheSize}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, time.Duration, error) {
	retry := defaultRetry
	if cfg.Feed.Retry != nil {
		retry = *cfg.Feed.Retry
	}
	reqTimeout, err := config.ParseDurationOrDefault("feed.request_timeout", cfg.Feed.RequestTimeout, 5*time.Second)
	if err != nil {
		return feed.Config{}, 0, err
	}
	every, err := config.ParseDurationOrDefault("feed.poll_interval", cfg.Feed.PollInterval, time.Second)
	if err != nil {
		return feed.Config{}, 0, err
	}
	return feed.Config{
		Nodes:          cfg.Feed.Nodes,
		Type:           cfg.Feed.Type,
		Retry:          retry,
		RequestTimeout: reqTimeout,
	}, every, nil
}

func mapLiveConfig(cfg *config.Config) (live.Config, error) {
	every, err := config.ParseDurationOrDefault("live.refresh_interval", cfg.Live.RefreshInterval, time.Second)
	if err != nil {
		return live.Config{}, err
	}
	return live.Config{RefreshInterval: every, Location: cfg.Location()}, nil
}

func liveDestinations(cfg *config.Config, tx transport.Adapter) []live.Destination {
	out := make([]live.Destination, 0, len(cfg.Live.Destinations))
	for _, d := range cfg.Live.Destinations {
		target := transport.ChatTarget{ChatID: d.ChatID, ThreadID: d.ThreadID}
		out = append(out, live.NewChatDestination(d.Name, tx, target, d.Mention))
	}
	return out
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	pc := cfg.Push
	base, err := config.ParseDurationOrDefault("push.retry_base", pc.RetryBase, time.Second)
	if err != nil {
		return push.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("push.retry_max_delay", pc.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return push.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("push.dedup_window", pc.DedupWindow, 10*time.Minute)
	if err != nil {
		return push.Config{}, err
	}
	retryMax := pc.RetryMax
	if retryMax == 0 {
		retryMax = defaultRetry
	}
	targets := make([]transport.ChatTarget, 0, len(pc.Targets))
	for _, t := range pc.Targets {
		targets = append(targets, transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	return push.Config{
		Enabled:         pc.Enabled,
		Targets:         targets,
		Workers:         pc.Workers,
		QueueSize:       pc.QueueSize,
		RatePerSec:      pc.RatePerSec,
		RetryMax:        retryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: pc.DedupMaxEntries,
		PersistDedup:    pc.PersistDedup,
		OnUpdate:        pc.OnUpdate,
		OnLift:          pc.OnLift,
		Location:        cfg.Location(),
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	addr := strings.TrimSpace(cfg.Debug.Addr)
	if addr == "" {
		addr = debug.DefaultAddr
	}
	return debug.Config{Enabled: cfg.Debug.Enabled, Addr: addr, Token: cfg.Debug.Token}
}
