package surface

import (
	"fmt"
)

type State uint8

const (
	StateAvailable State = iota
	StateInUse
	StateLocked
	endOfState

	stateDetached State = 0xff
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	case StateLocked:
		return "locked"
	case stateDetached:
		return "detached"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(s))
	}
}

// Stats is a snapshot of the set sizes of a pool.
type Stats struct {
	Available int
	InUse     int
	Locked    int
}

func (s Stats) Total() int {
	return s.Available + s.InUse + s.Locked
}

func (s Stats) String() string {
	return fmt.Sprintf("available:%d in_use:%d locked:%d", s.Available, s.InUse, s.Locked)
}
