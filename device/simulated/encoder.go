// encoder.go implements the encoding role of the simulated device.

package simulated

import (
	"context"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

type encoderInput struct {
	surface  *surface.Surface
	forceKey bool
}

type encoderState struct {
	initial  device.Params
	params   device.Params
	buffered []encoderInput
	sinceKey int
}

func newEncoderState(params device.Params) *encoderState {
	return &encoderState{
		initial: params,
		params:  params,
	}
}

func (st *encoderState) reset(
	ctx context.Context,
	s *Session,
	params device.Params,
) {
	for _, in := range st.buffered {
		in.surface.LockDec()
	}
	st.buffered = st.buffered[:0]
	st.params = params
	st.sinceKey = 0
}

func (s *Session) EncodeFrameAsync(
	ctx context.Context,
	ctrl *device.EncodeControl,
	in *surface.Surface,
	out *device.Bitstream,
) (device.SyncPoint, device.Status) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)

	st := s.encoder
	if st == nil {
		return nil, device.StatusNotInitialized
	}
	if out == nil {
		return nil, device.StatusInvalidHandle
	}

	if in == nil {
		if len(st.buffered) == 0 {
			return nil, device.StatusMoreData
		}
		q, status := s.reserve(ctx)
		if status != device.StatusOK {
			return nil, status
		}
		return st.emit(ctx, s, q, out), device.StatusOK
	}

	if in.Info.Format != st.params.Info.Format {
		return nil, device.StatusInvalidVideoParam
	}
	if !in.Info.Visible().Fits(st.params.Info.Resolution) {
		return nil, device.StatusIncompatibleVideoParam
	}

	emit := len(st.buffered)+1 > st.params.BFrames
	var q *queue
	if emit {
		var status device.Status
		q, status = s.reserve(ctx)
		if status != device.StatusOK {
			return nil, status
		}
	}
	in.LockInc()
	st.buffered = append(st.buffered, encoderInput{
		surface:  in,
		forceKey: ctrl != nil && ctrl.ForceKeyFrame,
	})
	if !emit {
		return nil, device.StatusMoreData
	}
	return st.emit(ctx, s, q, out), device.StatusOK
}

func (st *encoderState) nextFrameType(forceKey bool) device.FrameType {
	gop := st.params.GOPSize
	if forceKey || st.sinceKey == 0 || (gop > 0 && st.sinceKey >= gop) {
		st.sinceKey = 1
		return device.FrameTypeIDR
	}
	idx := st.sinceKey
	st.sinceKey++
	if st.params.BFrames > 0 && idx%(st.params.BFrames+1) != 0 {
		return device.FrameTypeB
	}
	return device.FrameTypeP
}

func (st *encoderState) emit(
	ctx context.Context,
	s *Session,
	q *queue,
	out *device.Bitstream,
) device.SyncPoint {
	in := st.buffered[0]
	st.buffered[0] = encoderInput{}
	st.buffered = st.buffered[1:]

	frameType := st.nextFrameType(in.forceKey)
	keyFrame := frameType == device.FrameTypeIDR
	visible := in.surface.Info.Visible()
	hdr := UnitHeader{
		KeyFrame:          keyFrame,
		HasSequenceHeader: keyFrame,
		FrameType:         frameType,
		CodecID:           st.params.CodecID,
		Info: types.FrameInfo{
			Resolution: visible,
			Crop:       visible,
			Format:     in.surface.Info.Format,
		},
		PTS: in.surface.PTS,
	}
	out.Data = AppendUnit(out.Data, hdr, in.surface.Data)
	out.PTS = in.surface.PTS
	out.DTS = in.surface.PTS
	out.KeyFrame = keyFrame
	out.FrameType = frameType
	logger.Tracef(ctx, "encoded %s pts:%d", frameType, out.PTS)
	return s.launch(ctx, q, in.surface)
}

// CurrentParams returns the parameters the role currently runs with.
func (s *Session) CurrentParams(ctx context.Context, role device.Role) (device.Params, bool) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)
	switch role {
	case device.RoleDecode:
		if s.decoder != nil {
			return s.decoder.params, true
		}
	case device.RoleEncode:
		if s.encoder != nil {
			return s.encoder.params, true
		}
	case device.RoleVPP:
		if s.vpp != nil {
			return s.vpp.params, true
		}
	}
	return device.Params{}, false
}
