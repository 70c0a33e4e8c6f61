package resurrect

import "time"

// Kind classifies a resurrection event.
type Kind int

const (
	// Started means a recovery attempt has begun: the probe found the payload
	// absent (or the host unreachable, which demands the same remedy).
	Started Kind = iota
	// Succeeded means the payload was re-uploaded to the remote host.
	Succeeded
	// Failed means this recovery attempt ended without restoring the payload.
	// The next timer tick is the retry.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is one status record from the control loop. Events are ephemeral:
// produced here, fanned out to foreground observers, never persisted.
type Event struct {
	Kind   Kind
	At     time.Time
	Bytes  int    // payload size, set on Succeeded
	Reason string // human-readable cause, set on Failed
}

// Notifier receives every event the control loop emits. Delivery duties
// (enumeration, best-effort semantics) belong to the implementation.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }
