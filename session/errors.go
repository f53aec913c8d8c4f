package session

import (
	"fmt"
)

// ErrDeviceInit means the device (or its session) could not be opened.
// Retrying with the same device will not help.
type ErrDeviceInit struct {
	Device   string
	Hardware bool
	Err      error
}

func (e ErrDeviceInit) Error() string {
	return fmt.Sprintf("unable to open a session on device '%s' (hardware:%t): %v", e.Device, e.Hardware, e.Err)
}

func (e ErrDeviceInit) Unwrap() error {
	return e.Err
}

// ErrSessionJoin means a joined child context could not be created.
type ErrSessionJoin struct {
	Parent string
	Err    error
}

func (e ErrSessionJoin) Error() string {
	return fmt.Sprintf("unable to fork a joined session of %s: %v", e.Parent, e.Err)
}

func (e ErrSessionJoin) Unwrap() error {
	return e.Err
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the device context is closed"
}

// ErrJoinedChildrenAlive means a context cannot be closed yet, since
// joined children still use its command queue.
type ErrJoinedChildrenAlive struct {
	Context string
	Count   int
}

func (e ErrJoinedChildrenAlive) Error() string {
	return fmt.Sprintf("unable to close %s: %d joined children are still alive", e.Context, e.Count)
}
