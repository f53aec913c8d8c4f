// config.go defines the behaviour knobs and fault injection of the simulated device.

package simulated

import (
	"time"

	"go.uber.org/atomic"
)

type Config struct {
	// HardwareAvailable makes OpenSession(ctx, true) succeed.
	HardwareAvailable bool

	// QueueCapacity is the maximal amount of in-flight operations of one
	// command queue (shared by joined sessions); above it submissions
	// return device-busy.
	QueueCapacity int

	// Latency is how long an operation takes to complete.
	Latency time.Duration

	// ReleaseLag is how long after the completion of an operation the
	// device keeps the surfaces locked.
	ReleaseLag time.Duration

	// DecodeDelay is the amount of units the decoder buffers before the
	// first output (reordering).
	DecodeDelay int

	// Alignment of the allocated surface geometry.
	Alignment uint32
}

func DefaultConfig() Config {
	return Config{
		HardwareAvailable: true,
		QueueCapacity:     16,
		Latency:           time.Millisecond,
		ReleaseLag:        time.Millisecond,
		DecodeDelay:       1,
		Alignment:         16,
	}
}

// Faults are one-shot failures injected into the device. Every counter is
// the amount of upcoming calls that fail.
type Faults struct {
	FailOpen   atomic.Bool
	RejectJoin atomic.Bool

	// BusyNext makes the next submissions return device-busy.
	BusyNext atomic.Int32

	// MoreSurfaceNext makes the next decode submissions keep the work
	// surface as a reference and ask for another one.
	MoreSurfaceNext atomic.Int32

	// HangNext makes the next operations never complete (until the
	// session is closed).
	HangNext atomic.Int32

	// FailNext makes the next submissions fail with device-failed.
	FailNext atomic.Int32

	// FailInitNext makes the next Init calls fail.
	FailInitNext atomic.Int32
}

func takeOne(v *atomic.Int32) bool {
	for {
		cur := v.Load()
		if cur <= 0 {
			return false
		}
		if v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
