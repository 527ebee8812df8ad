package push

import (
	"time"

	"eewbot/internal/transport"
)

// Config controls the push pipeline.
type Config struct {
	Enabled bool
	Targets []transport.ChatTarget

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Updates are pushed only when OnUpdate is set or the report is final.
	OnUpdate bool
	OnLift   bool

	Location *time.Location
}

// Bus event types.
const (
	EventQueued  = "push.queued"
	EventSent    = "push.sent"
	EventFailed  = "push.failed"
	EventDeduped = "push.deduped"
	EventDropped = "push.dropped"
)

// PushEvent is the Data of push bus events.
type PushEvent struct {
	AlertID  string    `json:"alert_id"`
	Serial   int       `json:"serial"`
	Kind     string    `json:"kind"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key"`
	Text string    `json:"text"`
}
