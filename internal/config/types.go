package config

// Config is the whole file. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Timezone string         `json:"timezone,omitempty"` // message timestamps, default Asia/Taipei

	Feed     FeedConfig     `json:"feed"`
	Derive   DeriveConfig   `json:"derive"`
	Dispatch DispatchConfig `json:"dispatch"`
	Live     LiveConfig     `json:"live"`
	Push     PushConfig     `json:"push"`
	Journal  JournalConfig  `json:"journal"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Debug    DebugConfig    `json:"debug"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through EEWBOT_TELEGRAM_TOKEN.
	Token string `json:"token"`
	// GroupLog is the chat receiving log lines when logging.telegram is on.
	GroupLog int64 `json:"group_log,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig controls upstream polling.
//
// Defaults: type "cwa", poll_interval "1s", retry 3, request_timeout "5s".
type FeedConfig struct {
	Nodes          []string `json:"nodes"`
	Type           string   `json:"type,omitempty"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	Retry          *int     `json:"retry,omitempty"`
	RequestTimeout string   `json:"request_timeout,omitempty"`
}

// DeriveConfig controls the estimation worker pool.
type DeriveConfig struct {
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	MapCacheSize int    `json:"map_cache_size,omitempty"`
}

type DispatchConfig struct {
	EscalateAfter int `json:"escalate_after,omitempty"`
}

type LiveConfig struct {
	Enabled         bool              `json:"enabled"`
	RefreshInterval string            `json:"refresh_interval,omitempty"`
	EditRatePerSec  int               `json:"edit_rate_per_sec,omitempty"`
	Destinations    []LiveDestination `json:"destinations"`
}

// LiveDestination is one chat mirroring alerts. The first is the primary
// and uploads the map.
type LiveDestination struct {
	Name     string `json:"name,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Mention  string `json:"mention,omitempty"`
}

type PushTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type PushConfig struct {
	Enabled         bool         `json:"enabled"`
	Targets         []PushTarget `json:"targets"`
	Workers         int          `json:"workers,omitempty"`
	QueueSize       int          `json:"queue_size,omitempty"`
	RatePerSec      int          `json:"rate_per_sec,omitempty"`
	RetryMax        int          `json:"retry_max,omitempty"`
	RetryBase       string       `json:"retry_base,omitempty"`
	RetryMaxDelay   string       `json:"retry_max_delay,omitempty"`
	DedupWindow     string       `json:"dedup_window,omitempty"`
	DedupMaxEntries int          `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool         `json:"persist_dedup,omitempty"`
	OnUpdate        bool         `json:"on_update,omitempty"`
	OnLift          bool         `json:"on_lift,omitempty"`
}

type JournalConfig struct {
	Enabled bool `json:"enabled"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/eewbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /status,
// /debug/pprof). Binding beyond loopback requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}
