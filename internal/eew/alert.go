package eew

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type Earthquake struct {
	Lat          float64
	Lon          float64
	Depth        float64 // km
	Magnitude    float64
	Location     string
	Time         time.Time // origin time
	MaxIntensity Intensity
}

type RegionEstimate struct {
	City      string
	Region    string
	Lat       float64
	Lon       float64
	Distance  float64 // hypocentral, km
	Intensity Intensity
	Arrival   time.Time // S-wave
}

// MapArtifact is a rendered intensity map.
type MapArtifact struct {
	Name string
	PNG  []byte
}

// Derived holds the fields computed after an alert is received.
type Derived struct {
	Regions    []RegionEstimate // ordered as they should be displayed
	Map        *MapArtifact
	ComputedAt time.Time
}

type Alert struct {
	ID         string
	Serial     int
	Final      bool
	Provider   string
	IssuedAt   time.Time
	Earthquake Earthquake

	derived atomic.Pointer[Derived]
}

// Derived returns the computed data, or nil while it is pending.
func (a *Alert) Derived() *Derived { return a.derived.Load() }

func (a *Alert) SetDerived(d *Derived) { a.derived.Store(d) }

// Version identifies this alert version, e.g. "1130700#3".
func (a *Alert) Version() string { return a.ID + "#" + strconv.Itoa(a.Serial) }

var (
	ErrMissingID     = errors.New("alert id is empty")
	ErrBadSerial     = errors.New("alert serial must be positive")
	ErrMissingQuake  = errors.New("alert has no earthquake payload")
	ErrBadCoordinate = errors.New("alert epicenter out of range")
)

type wireQuake struct {
	Lat   float64     `json:"lat"`
	Lon   float64     `json:"lon"`
	Depth float64     `json:"depth"`
	Loc   string      `json:"loc"`
	Mag   float64     `json:"mag"`
	Time  int64       `json:"time"`
	Max   json.Number `json:"max"`
}

type wireAlert struct {
	ID     json.RawMessage `json:"id"`
	Author string          `json:"author"`
	Serial int             `json:"serial"`
	Final  flexBool        `json:"final"`
	EQ     *wireQuake      `json:"eq"`
	Time   int64           `json:"time"`
}

// flexBool accepts 0/1 as well as true/false.
type flexBool bool

func (b *flexBool) UnmarshalJSON(p []byte) error {
	switch s := strings.TrimSpace(string(p)); s {
	case "1", "true":
		*b = true
	case "0", "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", s)
	}
	return nil
}

// ParseAlert decodes one feed record.
func ParseAlert(raw []byte) (*Alert, error) {
	var w wireAlert
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	id, err := parseID(w.ID)
	if err != nil {
		return nil, err
	}
	if w.Serial <= 0 {
		return nil, ErrBadSerial
	}
	if w.EQ == nil {
		return nil, ErrMissingQuake
	}
	if w.EQ.Lat < -90 || w.EQ.Lat > 90 || w.EQ.Lon < -180 || w.EQ.Lon > 180 {
		return nil, ErrBadCoordinate
	}
	maxI := Intensity0
	if w.EQ.Max != "" {
		if n, err := w.EQ.Max.Int64(); err == nil && Intensity(n).Valid() {
			maxI = Intensity(n)
		}
	}
	return &Alert{
		ID:       id,
		Serial:   w.Serial,
		Final:    bool(w.Final),
		Provider: w.Author,
		IssuedAt: msTime(w.Time),
		Earthquake: Earthquake{
			Lat:          w.EQ.Lat,
			Lon:          w.EQ.Lon,
			Depth:        w.EQ.Depth,
			Magnitude:    w.EQ.Mag,
			Location:     w.EQ.Loc,
			Time:         msTime(w.EQ.Time),
			MaxIntensity: maxI,
		},
	}, nil
}

// parseID accepts string or numeric ids.
func parseID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrMissingID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("alert id: %w", err)
		}
		s = n.String()
	}
	if s = strings.TrimSpace(s); s == "" {
		return "", ErrMissingID
	}
	return s, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecordError reports a snapshot record that failed to parse. ID is set
// when the record carried a usable id.
type RecordError struct {
	Index int
	ID    string
	Err   error
}

func (e *RecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ParseSnapshot decodes a feed response. An empty body, null or [] yields
// no alerts. A record that fails to parse is reported in skipped and left
// out; only a body that is not a JSON array fails as a whole.
func ParseSnapshot(body []byte) (alerts []*Alert, skipped []*RecordError, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	alerts = make([]*Alert, 0, len(raws))
	for i, raw := range raws {
		a, err := ParseAlert(raw)
		if err != nil {
			re := &RecordError{Index: i, Err: err}
			var head struct {
				ID json.RawMessage `json:"id"`
			}
			if json.Unmarshal(raw, &head) == nil {
				re.ID, _ = parseID(head.ID)
			}
			skipped = append(skipped, re)
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, skipped, nil
}
