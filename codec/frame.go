// frame.go defines the decoded frames handed to the host.

package codec

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/atomic"
)

// Frame is a decoded picture lent to the host. The underlying surface is
// not reused until Release is called.
type Frame struct {
	Surface *surface.Surface
	Info    types.FrameInfo
	PTS     int64

	released atomic.Bool
}

func newFrame(s *surface.Surface) *Frame {
	return &Frame{
		Surface: s,
		Info:    s.Info,
		PTS:     s.PTS,
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%s; pts:%d)", f.Info, f.PTS)
}

// Data returns the surface memory; it is valid until Release.
func (f *Frame) Data() []byte {
	return f.Surface.Data
}

// Release returns the surface to its pool. It is idempotent.
func (f *Frame) Release(ctx context.Context) error {
	if !f.released.CompareAndSwap(false, true) {
		return nil
	}
	return f.Surface.Pool().Release(ctx, f.Surface)
}

// RawFrame is a picture submitted to an encoder. The data is copied
// before Submit returns.
type RawFrame struct {
	Info          types.FrameInfo
	Data          []byte
	PTS           int64
	ForceKeyFrame bool
}

func (f *RawFrame) String() string {
	return fmt.Sprintf("RawFrame(%s; pts:%d)", f.Info, f.PTS)
}
