// status.go defines the statuses an accelerator returns for an operation.

package device

import (
	"fmt"
)

type Status int

const (
	StatusOK Status = iota

	// transient:
	StatusMoreData
	StatusMoreSurface
	StatusDeviceBusy

	// the operation is still running (returned by SyncOperation only):
	StatusInExecution

	// warnings:
	StatusVideoParamChanged

	// needs a renegotiation:
	StatusIncompatibleVideoParam

	// fatal:
	StatusInvalidVideoParam
	StatusNotInitialized
	StatusInvalidHandle
	StatusDeviceFailed
	StatusAborted
	StatusUnsupported
	StatusUndefined
	endOfStatus
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMoreData:
		return "more_data"
	case StatusMoreSurface:
		return "more_surface"
	case StatusDeviceBusy:
		return "device_busy"
	case StatusInExecution:
		return "in_execution"
	case StatusVideoParamChanged:
		return "video_param_changed"
	case StatusIncompatibleVideoParam:
		return "incompatible_video_param"
	case StatusInvalidVideoParam:
		return "invalid_video_param"
	case StatusNotInitialized:
		return "not_initialized"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusDeviceFailed:
		return "device_failed"
	case StatusAborted:
		return "aborted"
	case StatusUnsupported:
		return "unsupported"
	case StatusUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(s))
	}
}

// IsTransient reports whether the driver loop is expected to handle the
// status locally, without surfacing it to the host.
func (s Status) IsTransient() bool {
	switch s {
	case StatusMoreData, StatusMoreSurface, StatusDeviceBusy, StatusInExecution:
		return true
	}
	return false
}

// IsWarning reports whether the operation succeeded despite the status.
func (s Status) IsWarning() bool {
	return s == StatusVideoParamChanged
}

// IsFatal reports whether the status terminates the stream.
func (s Status) IsFatal() bool {
	return s != StatusOK && !s.IsTransient() && !s.IsWarning() && s != StatusIncompatibleVideoParam
}

// Err returns nil for StatusOK and warnings, and the status wrapped into
// ErrStatus otherwise.
func (s Status) Err() error {
	if s == StatusOK || s.IsWarning() {
		return nil
	}
	return ErrStatus{Status: s}
}

// ErrStatus is the error form of a non-OK status.
type ErrStatus struct {
	Status Status
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("device status: %s", e.Status)
}
