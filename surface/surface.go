// surface.go defines a hardware-backed frame buffer.

// Package surface implements the pool of hardware-backed frame buffers
// ("surfaces") handed between the host pipeline and the device.
//
// Every surface of a pool is a member of exactly one of three sets:
//
//   - available: free for reuse;
//   - in use: handed to a caller (the codec or the host);
//   - locked: returned by the caller while the device still reports it locked.
//
// The device-visible lock counter is maintained by the device itself and
// may drop asynchronously, long after the operation that raised it
// returned. A surface is handed out only when it is available and its lock
// counter reads zero.
package surface

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/hwcodec/types"
)

type ID uint64

var lastID atomic.Uint64

type Surface struct {
	id   ID
	Info types.FrameInfo

	// PTS is set by the host for input surfaces and by the device
	// for output surfaces.
	PTS int64

	// Data is the system-memory view of the picture, if the device exposes one.
	Data []byte

	// Payload is the device-specific handle (e.g. a libav frame).
	Payload any

	locked atomic.Int32

	pool  *Pool
	index int
}

// New is used by allocators (devices) to construct surfaces.
func New(info types.FrameInfo, data []byte, payload any) *Surface {
	return &Surface{
		id:      ID(lastID.Inc()),
		Info:    info,
		Data:    data,
		Payload: payload,
		index:   -1,
	}
}

func (s *Surface) ID() ID {
	return s.id
}

func (s *Surface) String() string {
	if s == nil {
		return "Surface(nil)"
	}
	return fmt.Sprintf("Surface(%d; %s; locked:%d)", s.id, s.Info, s.locked.Load())
}

// Locked returns the device-visible lock counter.
func (s *Surface) Locked() int32 {
	return s.locked.Load()
}

// LockInc is called by the device when an operation starts referencing the surface.
func (s *Surface) LockInc() int32 {
	return s.locked.Inc()
}

// LockDec is called by the device when it stops referencing the surface.
func (s *Surface) LockDec() int32 {
	v := s.locked.Dec()
	if v < 0 {
		s.locked.CompareAndSwap(v, 0)
		return 0
	}
	return v
}

// Pool returns the pool the surface belongs to, or nil for detached surfaces.
func (s *Surface) Pool() *Pool {
	return s.pool
}
