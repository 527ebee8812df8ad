package config

import (
	"reflect"
	"strings"

	logx "eewbot/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// attributes for logging. Secrets never appear in the attributes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	section("telegram", oldTG, newTG,
		logx.Bool("telegram.token_changed", oldTG.Token != newTG.Token),
		logx.Int64("telegram.group_log", newTG.GroupLog),
	)
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	section("timezone", strings.TrimSpace(oldCfg.Timezone), strings.TrimSpace(newCfg.Timezone),
		logx.String("timezone", newCfg.Timezone),
	)
	section("feed", oldCfg.Feed, newCfg.Feed,
		logx.Int("feed.nodes", len(newCfg.Feed.Nodes)),
		logx.String("feed.poll_interval", newCfg.Feed.PollInterval),
	)
	section("derive", oldCfg.Derive, newCfg.Derive, logx.Int("derive.workers", newCfg.Derive.Workers))
	section("dispatch", oldCfg.Dispatch, newCfg.Dispatch, logx.Int("dispatch.escalate_after", newCfg.Dispatch.EscalateAfter))
	section("live", oldCfg.Live, newCfg.Live,
		logx.Bool("live.enabled", newCfg.Live.Enabled),
		logx.Int("live.destinations", len(newCfg.Live.Destinations)),
	)
	section("push", oldCfg.Push, newCfg.Push,
		logx.Bool("push.enabled", newCfg.Push.Enabled),
		logx.Int("push.targets", len(newCfg.Push.Targets)),
	)
	section("journal", oldCfg.Journal, newCfg.Journal, logx.Bool("journal.enabled", newCfg.Journal.Enabled))

	section("debug", oldCfg.Debug, newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.String("debug.addr", newCfg.Debug.Addr),
		logx.Bool("debug.token_changed", oldCfg.Debug.Token != newCfg.Debug.Token),
	)

	var oldSt, newSt StorageConfig
	if oldCfg.Storage != nil {
		oldSt = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newSt = *newCfg.Storage
	}
	section("storage", oldSt, newSt,
		logx.String("storage.driver", newSt.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(newSt.Path) != ""),
	)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
