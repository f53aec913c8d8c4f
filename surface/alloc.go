// alloc.go defines the negotiated allocation of a set of surfaces.

package surface

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwcodec/types"
)

type Purpose int

const (
	UndefinedPurpose Purpose = iota
	PurposeDecodeOutput
	PurposeEncodeInput
	PurposeVPPInput
	PurposeVPPOutput
	EndOfPurpose
)

func (p Purpose) String() string {
	switch p {
	case UndefinedPurpose:
		return "<undefined>"
	case PurposeDecodeOutput:
		return "decode_output"
	case PurposeEncodeInput:
		return "encode_input"
	case PurposeVPPInput:
		return "vpp_input"
	case PurposeVPPOutput:
		return "vpp_output"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(p))
	}
}

// AllocRequest is what the device reports it needs for one purpose.
type AllocRequest struct {
	Purpose      Purpose
	Info         types.FrameInfo
	NumMin       int
	NumSuggested int
}

func (r AllocRequest) String() string {
	return fmt.Sprintf("%s:%s(min:%d; suggested:%d)", r.Purpose, r.Info, r.NumMin, r.NumSuggested)
}

// Merge adds the sizing of "other" to "r", so that two stages sharing one
// set of surfaces do not starve each other. The resulting geometry is
// large enough for both.
func (r AllocRequest) Merge(other AllocRequest) AllocRequest {
	result := r
	result.NumMin += other.NumMin
	result.NumSuggested += other.NumSuggested
	if other.Info.Width > result.Info.Width {
		result.Info.Width = other.Info.Width
	}
	if other.Info.Height > result.Info.Height {
		result.Info.Height = other.Info.Height
	}
	return result
}

// Key identifies an allocation response within a device context.
type Key struct {
	Purpose Purpose
	Info    types.FrameInfo
	Count   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s*%d", k.Purpose, k.Info, k.Count)
}

// AllocResponse is the negotiated {count, format, size} of one set of surfaces.
type AllocResponse struct {
	Key
}

// NewAllocResponse computes the response for a request given the async
// depth the whole shared device queue needs on top of the device's own
// suggestion.
func NewAllocResponse(req AllocRequest, sharedAsyncDepth int) AllocResponse {
	count := req.NumSuggested
	if count < req.NumMin {
		count = req.NumMin
	}
	count += sharedAsyncDepth
	if count < 1 {
		count = 1
	}
	return AllocResponse{
		Key: Key{
			Purpose: req.Purpose,
			Info:    req.Info,
			Count:   count,
		},
	}
}

// Allocator is implemented by devices: it allocates the device-side
// memory of surfaces and frees it.
type Allocator interface {
	AllocSurfaces(ctx context.Context, resp AllocResponse) ([]*Surface, error)
	FreeSurfaces(ctx context.Context, surfaces []*Surface) error
}
