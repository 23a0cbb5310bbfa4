// Package progress carries checkpoint events from the archiver, exporter and
// importer to whoever drives the current invocation.
package progress

import "time"

// Kind classifies an event
type Kind int

const (
	// KindCheckpoint is durable, useful progress (a committed batch, a checkpointed segment)
	KindCheckpoint Kind = iota
	// KindBoundary marks an iteration boundary where cancellation may be observed
	KindBoundary
	// KindPhase announces that a job moved to another phase
	KindPhase
	// KindWarning reports a non-fatal problem worth surfacing
	KindWarning
)

func (k Kind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindBoundary:
		return "boundary"
	case KindPhase:
		return "phase"
	case KindWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is one progress notification
type Event struct {
	Kind    Kind
	Entity  string // entity, table or dump file the event concerns
	Path    string // output file written, if any
	Message string
	Items   int64 // files, rows or statements covered by this event
	Bytes   int64
	At      time.Time
}

// Sink receives events and arbitrates ownership of output files
type Sink interface {
	// Emit publishes an event; it never blocks for long
	Emit(Event)
	// Claim reports whether this execution may write to path. A non-nil error
	// means another execution touched it recently and the caller must stop.
	Claim(path string) error
}

type nopSink struct{}

func (nopSink) Emit(Event)         {}
func (nopSink) Claim(string) error { return nil }

// Nop is a Sink that discards everything
var Nop Sink = nopSink{}

// Recorder is a Sink that keeps every event, used by tests
type Recorder struct {
	Events  []Event
	Claimed []string
	// ClaimErr, when set, is returned for every claim
	ClaimErr error
}

// Emit records ev
func (r *Recorder) Emit(ev Event) { r.Events = append(r.Events, ev) }

// Claim records path
func (r *Recorder) Claim(path string) error {
	r.Claimed = append(r.Claimed, path)
	return r.ClaimErr
}

// Count returns how many recorded events have kind k
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
