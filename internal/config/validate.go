package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "EEWBOT_TELEGRAM_TOKEN"

func applyEnv(cfg *Config) {
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var merr *multierror.Error
	add := func(err error) {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if len(c.Feed.Nodes) == 0 {
		add(errors.New("feed.nodes: at least one node is required"))
	}
	for i, n := range c.Feed.Nodes {
		u, err := url.Parse(n)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("feed.nodes[%d]: %q is not an http(s) URL", i, n))
		}
	}
	if c.Feed.Retry != nil && *c.Feed.Retry < 0 {
		add(errors.New("feed.retry: must be >= 0"))
	}

	durations := map[string]string{
		"feed.poll_interval":    c.Feed.PollInterval,
		"feed.request_timeout":  c.Feed.RequestTimeout,
		"derive.timeout":        c.Derive.Timeout,
		"live.refresh_interval": c.Live.RefreshInterval,
		"push.retry_base":       c.Push.RetryBase,
		"push.retry_max_delay":  c.Push.RetryMaxDelay,
		"push.dedup_window":     c.Push.DedupWindow,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	needsBot := c.Live.Enabled || c.Push.Enabled || c.Logging.Telegram.Enabled
	if needsBot && strings.TrimSpace(c.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	if c.Live.Enabled && len(c.Live.Destinations) == 0 {
		add(errors.New("live.destinations: at least one destination is required"))
	}
	for i, d := range c.Live.Destinations {
		if d.ChatID == 0 {
			add(fmt.Errorf("live.destinations[%d].chat_id: required", i))
		}
	}
	if c.Push.Enabled && len(c.Push.Targets) == 0 {
		add(errors.New("push.targets: at least one target is required"))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.GroupLog == 0 {
		add(errors.New("telegram.group_log: required when logging.telegram is enabled"))
	}

	storageOn := c.Storage != nil && c.Storage.Driver != "" && c.Storage.Driver != "none"
	if c.Storage != nil {
		switch strings.ToLower(c.Storage.Driver) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if storageOn && strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path: required"))
		}
	}
	if c.Journal.Enabled && !storageOn {
		add(errors.New("journal.enabled: needs a storage driver"))
	}
	if c.Push.PersistDedup && !storageOn {
		add(errors.New("push.persist_dedup: needs a storage driver"))
	}
	return merr.ErrorOrNil()
}
