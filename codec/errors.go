// errors.go defines the errors returned by codecs.

package codec

import (
	"errors"
	"fmt"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/surface"
)

// ErrStream is a terminal failure of the stream: the codec is closed by
// the time it is returned.
type ErrStream struct {
	Op     string
	Status device.Status
	Err    error
}

func (e ErrStream) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed with status %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed with status %s", e.Op, e.Status)
}

func (e ErrStream) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return device.ErrStatus{Status: e.Status}
}

// ErrRenegotiationRequired is what a decoding step returns when the device
// rejects the stream parameters the session was initialized with. The
// submission loop handles it, so it never reaches the caller.
type ErrRenegotiationRequired struct {
	Reason string
}

func (e ErrRenegotiationRequired) Error() string {
	return fmt.Sprintf("renegotiation required: %s", e.Reason)
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the codec is closed"
}

type ErrNotRunning struct {
	State State
}

func (e ErrNotRunning) Error() string {
	return fmt.Sprintf("the codec is not running (state: %s)", e.State)
}

// IsTransient reports whether the codec stays usable after returning the
// error: the submitted unit was not consumed and may be submitted again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.As(err, &surface.ErrNoSurfaceAvailable{}) {
		return true
	}
	return false
}
