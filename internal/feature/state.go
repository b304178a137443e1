// ABOUTME: Per-feature lifecycle state tracked by the hub.

package feature

import "sync/atomic"

// State is a feature's position in its lifecycle.
type State int32

const (
	Unregistered State = iota
	Initialized
	Running
	ShuttingDown
	Stopped
	Failed // Init returned an error
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states print by name in logs and JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Slot pairs a feature with its current state.
type Slot struct {
	Feature Feature
	Desc    Descriptor
	state   atomic.Int32
}

// NewSlot wraps f in the Unregistered state.
func NewSlot(f Feature) *Slot {
	return &Slot{Feature: f, Desc: f.Meta()}
}

// State returns the slot's current state.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// Set moves the slot to st.
func (s *Slot) Set(st State) {
	s.state.Store(int32(st))
}

// Transition moves the slot from one state to another and reports whether it
// was in the expected state.
func (s *Slot) Transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}
