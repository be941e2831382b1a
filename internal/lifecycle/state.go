package lifecycle

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// State is the lifecycle state of a Controller.
//
// Starting, Stopping, Pausing and Resuming are transient: they only exist while
// the control operation that produced them holds the control lock.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Pausing
	Paused
	Resuming
	Disposed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Pausing:
		return "pausing"
	case Paused:
		return "paused"
	case Resuming:
		return "resuming"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := Stopped; st <= Disposed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Newf("unknown state %q", b)
}

// IsTransient reports whether s only exists for the duration of a control operation.
func (s State) IsTransient() bool {
	switch s {
	case Starting, Stopping, Pausing, Resuming:
		return true
	default:
		return false
	}
}

// Stable returns the stable state a transient state resolves to.
// Stable states map to themselves.
func (s State) Stable() State {
	switch s {
	case Starting, Resuming:
		return Running
	case Stopping:
		return Stopped
	case Pausing:
		return Paused
	default:
		return s
	}
}

// In reports whether s is one of states.
func (s State) In(states ...State) bool {
	for _, x := range states {
		if s == x {
			return true
		}
	}
	return false
}

func joinStates(states []State) string {
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "|")
}
