// state.go defines the lifecycle of a codec.

package codec

import (
	"fmt"
)

type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateRunning
	StateDraining
	StateRenegotiating
	StateClosed
	endOfState
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(s))
	}
}

// NeedsNegotiation reports whether the device session has to be
// (re)initialized before the next submission.
func (s State) NeedsNegotiation() bool {
	switch s {
	case StateUninitialized, StateNegotiating, StateRenegotiating:
		return true
	}
	return false
}
