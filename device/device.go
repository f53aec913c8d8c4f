// device.go defines the contract of a hardware accelerator.

// Package device defines what hwcodec needs from a hardware accelerator:
// sessions that can be joined into a shared command queue, surface
// allocation, asynchronous decode/encode/VPP submission and
// synchronization of submitted operations.
//
// Implementations live in the subpackages: "simulated" (a deterministic
// in-process device) and "libav" (libav hardware device contexts).
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

type Device interface {
	fmt.Stringer

	// OpenSession opens a new session with its own command stream.
	OpenSession(ctx context.Context, hardware bool) (Session, error)
}

type Session interface {
	fmt.Stringer
	surface.Allocator

	IsHardware() bool

	// Clone opens a new session on the same device that is suitable to be
	// joined to this one.
	Clone(ctx context.Context) (Session, error)

	// Join makes "child" share the command queue of this session.
	Join(ctx context.Context, child Session) error

	// Disjoin detaches the session from the queue it was joined to.
	Disjoin(ctx context.Context) error

	types.Closer

	// DecodeHeader parses the sequence header at the beginning of the
	// remaining part of "bs" and fills params.Info (and params.CodecID if
	// the bitstream carries it). It returns ErrStatus{StatusMoreData} if
	// there is no complete header yet.
	DecodeHeader(ctx context.Context, bs *Bitstream, params *Params) error

	// QueryIOSurf reports the surfaces the operation needs: one request
	// for codecs, two (input and output) for VPP.
	QueryIOSurf(ctx context.Context, params Params) ([]surface.AllocRequest, error)

	Init(ctx context.Context, params Params) error

	// Reset re-applies parameters that do not require new surfaces and
	// drops everything buffered inside the device for that role.
	Reset(ctx context.Context, params Params) error

	Deinit(ctx context.Context, role Role) error

	// DecodeFrameAsync consumes "bs" (nil means "drain") using "work" as
	// the surface to decode into. A drain needs "work" too, unless nothing
	// is buffered anymore. On StatusOK it returns the output surface (not
	// necessarily "work") and the sync point of the operation.
	DecodeFrameAsync(ctx context.Context, bs *Bitstream, work *surface.Surface) (*surface.Surface, SyncPoint, Status)

	// EncodeFrameAsync consumes "in" (nil means "drain") and, on
	// StatusOK, writes the encoded unit into "out" once the returned sync
	// point is reached.
	EncodeFrameAsync(ctx context.Context, ctrl *EncodeControl, in *surface.Surface, out *Bitstream) (SyncPoint, Status)

	RunFrameVPPAsync(ctx context.Context, in, out *surface.Surface) (SyncPoint, Status)

	// SyncOperation waits up to "timeout" for the operation to finish. It
	// returns StatusInExecution if it did not finish in time.
	SyncOperation(ctx context.Context, sp SyncPoint, timeout time.Duration) Status
}
