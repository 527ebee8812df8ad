package live

import (
	"sync"

	"eewbot/internal/eew"
)

type slot struct {
	dest   Destination
	handle Handle
}

// MessageSet is the group of messages mirroring one alert id across all
// destinations. It always tracks the newest version seen for that id.
type MessageSet struct {
	mu sync.Mutex

	alert *eew.Alert
	slots []slot
	info  string
	shown string // info last pushed without derived data

	// intensity is the last countdown rendered; it stays on screen while
	// a newer version's derived data is computing.
	intensity string

	// mapRef is the uploaded map for the current version, empty until the
	// primary destination has accepted it.
	mapRef string

	// arrived latches regions whose wave has been shown as arrived.
	arrived map[string]bool
}

func newMessageSet(a *eew.Alert, info string) *MessageSet {
	return &MessageSet{alert: a, info: info, shown: info, arrived: map[string]bool{}}
}

// Alert returns the version currently mirrored.
func (m *MessageSet) Alert() *eew.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alert
}

// Handles returns the posted handles in destination order.
func (m *MessageSet) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, len(m.slots))
	for i, s := range m.slots {
		out[i] = s.handle
	}
	return out
}

// swap moves the set to a newer version. The map must be uploaded again.
func (m *MessageSet) swap(a *eew.Alert, info string) (old *eew.Alert, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Serial <= m.alert.Serial {
		return nil, false
	}
	old = m.alert
	m.alert = a
	m.info = info
	m.mapRef = ""
	return old, true
}

// plan is a snapshot of a set taken for one refresh.
type plan struct {
	alert   *eew.Alert
	slots   []slot
	content Content
	derived *eew.Derived
}

// commit stores the refresh results unless the set moved on meanwhile.
func (m *MessageSet) commit(p plan, handles []Handle, mapRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range handles {
		if i < len(m.slots) && !h.Ref.IsZero() {
			m.slots[i].handle = h
		}
	}
	if m.alert != p.alert {
		return
	}
	if m.mapRef == "" && mapRef != "" {
		m.mapRef = mapRef
	}
	if p.derived == nil {
		m.shown = p.content.Info
		return
	}
	m.intensity = p.content.Intensity
}
