package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus dedup snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventEntry is one alert lifecycle event.
type EventEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	AlertID   string    `json:"alert_id"`
	Serial    int       `json:"serial"`
	Final     bool      `json:"final"`
	Magnitude float64   `json:"magnitude"`
	Depth     float64   `json:"depth"`
	Location  string    `json:"location,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}
