package lifecycle

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	r := NewRegistration(1, "/", StateInstalling)

	steps := []State{
		StateInstalledWaiting,
		StateActivating,
		StateActivated,
		StateSuspended,
		StateActivated,
	}
	for _, next := range steps {
		if err := r.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
		if r.State() != next {
			t.Fatalf("state = %s, want %s", r.State(), next)
		}
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateInstalling, StateActivated},
		{StateInstalledWaiting, StateActivated},
		{StateActivated, StateInstalling},
		{StateSuspended, StateInstalledWaiting},
		{StateRedundant, StateActivated},
	}
	for _, tc := range cases {
		r := NewRegistration(1, "/", tc.from)
		if err := r.Transition(tc.to); err == nil {
			t.Errorf("Transition %s -> %s should fail", tc.from, tc.to)
		}
		if r.State() != tc.from {
			t.Errorf("failed transition mutated state to %s", r.State())
		}
	}
}

func TestRedundantReachableFromAnywhere(t *testing.T) {
	for _, from := range []State{
		StateInstalling, StateInstalledWaiting, StateActivating,
		StateActivated, StateSuspended,
	} {
		r := NewRegistration(1, "/", from)
		if err := r.Transition(StateRedundant); err != nil {
			t.Errorf("Transition %s -> redundant: %v", from, err)
		}
	}
}

func TestMonitorGuard(t *testing.T) {
	r := NewRegistration(1, "/", StateActivated)

	if r.Armed() {
		t.Fatal("fresh registration must start unarmed")
	}
	if !r.TryArm() {
		t.Fatal("first TryArm should claim the guard")
	}
	if r.TryArm() {
		t.Fatal("second TryArm should be refused while armed")
	}
	r.Disarm()
	if !r.TryArm() {
		t.Fatal("TryArm after Disarm should claim the guard again")
	}
}
