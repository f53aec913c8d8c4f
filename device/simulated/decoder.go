// decoder.go implements the decoding role of the simulated device.

package simulated

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

type decoderState struct {
	initial device.Params
	params  device.Params

	// current is the visible resolution of the stream.
	current      types.Resolution
	reorder      []*surface.Surface
	paramChanged bool
}

func newDecoderState(params device.Params) *decoderState {
	return &decoderState{
		initial: params,
		params:  params,
		current: params.Info.Visible(),
	}
}

func (st *decoderState) reset(
	ctx context.Context,
	s *Session,
	params device.Params,
) {
	for _, surf := range st.reorder {
		surf.LockDec()
	}
	st.reorder = st.reorder[:0]
	st.params = params
	st.current = params.Info.Visible()
	st.paramChanged = false
}

func (s *Session) DecodeHeader(
	ctx context.Context,
	bs *device.Bitstream,
	params *device.Params,
) error {
	for {
		hdr, _, n, err := ParseUnit(bs.Remaining())
		if errors.Is(err, ErrIncompleteUnit) {
			return device.ErrStatus{Status: device.StatusMoreData}
		}
		if err != nil {
			return fmt.Errorf("unable to parse the bitstream: %w", err)
		}
		if !hdr.HasSequenceHeader {
			logger.Tracef(ctx, "skipping a unit without a sequence header (pts:%d)", hdr.PTS)
			bs.Offset += n
			continue
		}
		if params.CodecID != device.CodecIDUndefined && params.CodecID != hdr.CodecID {
			return fmt.Errorf("the stream is %s, not %s: %w", hdr.CodecID, params.CodecID, device.ErrStatus{Status: device.StatusUnsupported})
		}
		params.CodecID = hdr.CodecID
		params.Info = types.FrameInfo{
			Resolution: hdr.Info.Resolution,
			Crop:       hdr.Info.Resolution,
			Format:     hdr.Info.Format,
		}
		return nil
	}
}

func (s *Session) DecodeFrameAsync(
	ctx context.Context,
	bs *device.Bitstream,
	work *surface.Surface,
) (*surface.Surface, device.SyncPoint, device.Status) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)

	st := s.decoder
	if st == nil {
		return nil, nil, device.StatusNotInitialized
	}

	if bs == nil {
		if len(st.reorder) == 0 {
			return nil, nil, device.StatusMoreData
		}
		if work == nil {
			return nil, nil, device.StatusInvalidHandle
		}
		q, status := s.reserve(ctx)
		if status != device.StatusOK {
			return nil, nil, status
		}
		out := st.pop()
		return out, s.launch(ctx, q, out), device.StatusOK
	}

	hdr, payload, n, err := ParseUnit(bs.Remaining())
	switch {
	case errors.Is(err, ErrIncompleteUnit):
		return nil, nil, device.StatusMoreData
	case err != nil:
		logger.Errorf(ctx, "unable to parse the bitstream: %v", err)
		return nil, nil, device.StatusUndefined
	}

	changed := hdr.HasSequenceHeader && hdr.Info.Resolution != st.current
	if changed {
		if hdr.Info.Format != st.initial.Info.Format || !hdr.Info.Resolution.Fits(st.initial.Info.Resolution) {
			logger.Debugf(ctx, "the stream changed to %s, which does not fit %s", hdr.Info, st.initial.Info)
			return nil, nil, device.StatusIncompatibleVideoParam
		}
	}
	if work == nil {
		return nil, nil, device.StatusInvalidHandle
	}
	if work.Locked() > 0 {
		return nil, nil, device.StatusMoreSurface
	}
	if !hdr.Info.Resolution.Fits(work.Info.Resolution) {
		return nil, nil, device.StatusIncompatibleVideoParam
	}
	if takeOne(&s.device.Faults.MoreSurfaceNext) {
		work.LockInc()
		s.unlockLater(ctx, work)
		return nil, nil, device.StatusMoreSurface
	}

	emit := len(st.reorder)+1 > s.device.Config.DecodeDelay
	var q *queue
	if emit {
		var status device.Status
		q, status = s.reserve(ctx)
		if status != device.StatusOK {
			return nil, nil, status
		}
	}

	if changed {
		logger.Debugf(ctx, "the stream resolution changed %s -> %s", st.current, hdr.Info.Resolution)
		st.current = hdr.Info.Resolution
		st.paramChanged = true
	}
	copy(work.Data, payload)
	work.PTS = hdr.PTS
	work.Info.Crop = st.current
	work.LockInc()
	st.reorder = append(st.reorder, work)
	bs.Offset += n

	if !emit {
		return nil, nil, device.StatusMoreData
	}
	out := st.pop()
	status := device.StatusOK
	if st.paramChanged {
		status = device.StatusVideoParamChanged
		st.paramChanged = false
	}
	return out, s.launch(ctx, q, out), status
}

func (st *decoderState) pop() *surface.Surface {
	out := st.reorder[0]
	st.reorder[0] = nil
	st.reorder = st.reorder[1:]
	return out
}
