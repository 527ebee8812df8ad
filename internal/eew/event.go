package eew

// Job is the handle of a background derived-data computation for one
// alert version. Cancel is best-effort and safe to call repeatedly.
type Job interface {
	Cancel()
	Done() <-chan struct{}
}

// Record pairs the current version of an alert with its computation.
type Record struct {
	Alert *Alert
	Job   Job
}

// Cancel stops the record's computation if one is attached.
func (r *Record) Cancel() {
	if r != nil && r.Job != nil {
		r.Job.Cancel()
	}
}

type EventKind int

const (
	EventNew EventKind = iota + 1
	EventUpdate
	EventLift
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventUpdate:
		return "update"
	case EventLift:
		return "lift"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition. For EventLift, Alert is the last
// version seen before the alert disappeared from the feed.
type Event struct {
	Kind  EventKind
	Alert *Alert
}
