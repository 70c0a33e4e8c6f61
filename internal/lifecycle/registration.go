// Package lifecycle owns the controller registration: the state machine from
// installation through activation, suspension and redundancy, and the
// process-scoped monitor-armed guard.
package lifecycle

import (
	"fmt"
	"sync"
)

type State string

const (
	StateInstalling       State = "installing"
	StateInstalledWaiting State = "installed-waiting"
	StateActivating       State = "activating"
	StateActivated        State = "activated"
	StateSuspended        State = "suspended"
	StateRedundant        State = "redundant"
)

// validNext maps each state to the transitions the runtime may drive.
// Redundancy is reachable from everywhere: a registration can be superseded
// at any point in its life.
var validNext = map[State][]State{
	StateInstalling:       {StateInstalledWaiting},
	StateInstalledWaiting: {StateActivating},
	StateActivating:       {StateActivated},
	StateActivated:        {StateSuspended},
	StateSuspended:        {StateActivated},
	StateRedundant:        {},
}

// Registration binds one controller instance to an origin scope. The
// monitor-armed flag is deliberately in-memory only: it is constructed false
// on every process respawn, so a respawned controller always detects that no
// monitor is running and re-arms it.
type Registration struct {
	ID    int64
	Scope string

	mu    sync.Mutex
	state State
	armed bool
}

func NewRegistration(id int64, scope string, state State) *Registration {
	return &Registration{ID: id, Scope: scope, state: state}
}

func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition moves the registration to next, or to Redundant from any state.
func (r *Registration) Transition(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next == StateRedundant {
		r.state = StateRedundant
		return nil
	}
	for _, s := range validNext[r.state] {
		if s == next {
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", r.state, next)
}

// TryArm claims the monitor guard. It returns false if a monitor is already
// armed in this process, making loop starts idempotent: at most one control
// loop timer runs per live controller process.
func (r *Registration) TryArm() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return false
	}
	r.armed = true
	return true
}

// Disarm releases the guard. Called when the runtime suspends the controller
// and tears down its timer state.
func (r *Registration) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
}

func (r *Registration) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}
