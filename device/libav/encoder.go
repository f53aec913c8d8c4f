// encoder.go implements the encoding role on a libav encoder.

package libav

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

const defaultFrameRate = 30

type encodedUnit struct {
	data     []byte
	pts, dts int64
	keyFrame bool
}

type encoderState struct {
	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	frame        *astiav.Frame
	packet       *astiav.Packet
	params       device.Params

	scratch  []byte
	queue    []encodedUnit
	draining bool
}

// encoderName returns the name of the libav encoder of the codec bound
// to the hardware device type.
func encoderName(
	codecID device.CodecID,
	hwDeviceType types.HardwareDeviceType,
) string {
	base := codecID.String()
	switch hwDeviceType {
	case types.HardwareDeviceTypeCUDA:
		return base + "_nvenc"
	default:
		return base + "_" + hwDeviceType.String()
	}
}

func (s *Session) findEncoder(
	ctx context.Context,
	codecID device.CodecID,
) (*astiav.Codec, error) {
	if s.hwCtx != nil {
		name := encoderName(codecID, s.device.Config.HardwareDeviceType)
		codec := astiav.FindEncoderByName(name)
		if codec == nil {
			return nil, fmt.Errorf("no libav encoder '%s': %w", name, device.ErrStatus{Status: device.StatusUnsupported})
		}
		return codec, nil
	}
	id, err := codecIDToAstiav(codecID)
	if err != nil {
		return nil, err
	}
	codec := astiav.FindEncoder(id)
	if codec == nil {
		return nil, fmt.Errorf("no libav encoder for %s: %w", codecID, device.ErrStatus{Status: device.StatusUnsupported})
	}
	return codec, nil
}

func (s *Session) newEncoderState(
	ctx context.Context,
	params device.Params,
) (_ret *encoderState, _err error) {
	logger.Tracef(ctx, "newEncoderState(ctx, %s)", params)
	defer func() { logger.Tracef(ctx, "/newEncoderState(ctx, %s): %v", params, _err) }()

	if err := validateInfo(params.Info); err != nil {
		return nil, err
	}
	pixFmt, err := pixelFormatToAstiav(params.Info.Format)
	if err != nil {
		return nil, err
	}
	codec, err := s.findEncoder(ctx, params.CodecID)
	if err != nil {
		return nil, err
	}
	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return nil, fmt.Errorf("unable to allocate the codec context of %s", codec.Name())
	}

	visible := params.Info.Visible()
	codecContext.SetWidth(int(visible.Width))
	codecContext.SetHeight(int(visible.Height))
	codecContext.SetPixelFormat(pixFmt)

	fps := params.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}
	frameRate := types.RationalFromFloat64(fps)
	timeBase := frameRate.Reverse()
	codecContext.SetFramerate(astiav.NewRational(frameRate.Num, frameRate.Den))
	codecContext.SetTimeBase(astiav.NewRational(timeBase.Num, timeBase.Den))

	options := dictionaryToAstiav(ctx, s.device.Config.CustomOptions)
	switch params.RateControl {
	case device.RateControlCBR:
		bitRate := int64(params.TargetBitrate)
		codecContext.SetBitRate(bitRate)
		codecContext.SetRateControlMinRate(bitRate)
		codecContext.SetRateControlMaxRate(bitRate)
		codecContext.SetRateControlBufferSize(int(bitRate * 2))
	case device.RateControlCQP:
		if options == nil {
			options = astiav.NewDictionary()
		}
		if err := options.Set("qp", strconv.Itoa(int(params.QP)), 0); err != nil {
			logger.Errorf(ctx, "unable to set qp=%d: %v", params.QP, err)
		}
	default:
		codecContext.SetBitRate(int64(params.TargetBitrate))
		if params.MaxBitrate > 0 {
			codecContext.SetRateControlMaxRate(int64(params.MaxBitrate))
		}
	}
	if options != nil {
		defer options.Free()
	}
	if params.GOPSize > 0 {
		codecContext.SetGopSize(params.GOPSize)
	}
	codecContext.SetMaxBFrames(params.BFrames)
	if s.hwCtx != nil {
		codecContext.SetHardwareDeviceContext(s.hwCtx)
	}

	if err := codecContext.Open(codec, options); err != nil {
		codecContext.Free()
		return nil, fmt.Errorf("unable to open the encoder %s: %w: %w", codec.Name(), err, device.ErrStatus{Status: device.StatusDeviceFailed})
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(int(visible.Width))
	frame.SetHeight(int(visible.Height))
	frame.SetPixelFormat(pixFmt)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		codecContext.Free()
		return nil, fmt.Errorf("unable to allocate the frame buffer: %w", err)
	}

	return &encoderState{
		codec:        codec,
		codecContext: codecContext,
		frame:        frame,
		packet:       astiav.AllocPacket(),
		params:       params,
	}, nil
}

func (s *Session) deinitEncoderLocked(ctx context.Context) {
	st := s.encoder
	if st == nil {
		return
	}
	s.encoder = nil
	st.frame.Free()
	st.packet.Free()
	st.codecContext.Free()
}

// receive moves every available encoded packet to the queue.
func (st *encoderState) receive(ctx context.Context) error {
	for {
		err := st.codecContext.ReceivePacket(st.packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
			return nil
		default:
			return fmt.Errorf("unable to receive a packet: %w", err)
		}
		st.queue = append(st.queue, encodedUnit{
			data:     append([]byte(nil), st.packet.Data()...),
			pts:      st.packet.Pts(),
			dts:      st.packet.Dts(),
			keyFrame: st.packet.Flags().Has(astiav.PacketFlagKey),
		})
		st.packet.Unref()
	}
}

func (st *encoderState) send(
	ctx context.Context,
	ctrl *device.EncodeControl,
	in *surface.Surface,
) error {
	scratch, err := surfaceToFrame(in, st.frame, st.scratch)
	st.scratch = scratch
	if err != nil {
		return err
	}
	if ctrl != nil && ctrl.ForceKeyFrame {
		st.frame.SetPictureType(astiav.PictureTypeI)
	} else {
		st.frame.SetPictureType(astiav.PictureTypeNone)
	}
	for {
		err := st.codecContext.SendFrame(st.frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, astiav.ErrEagain) {
			return fmt.Errorf("unable to send the frame: %w", err)
		}
		queued := len(st.queue)
		if err := st.receive(ctx); err != nil {
			return err
		}
		if len(st.queue) == queued {
			return fmt.Errorf("the encoder neither takes a frame nor outputs a packet")
		}
	}
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

	switch {
	case in == nil:
		if !st.draining {
			if err := st.codecContext.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
				logger.Errorf(ctx, "unable to start draining: %v", err)
				return nil, device.StatusUndefined
			}
			st.draining = true
		}
	case in.Info.Format != st.params.Info.Format:
		return nil, device.StatusInvalidVideoParam
	case in.Info.Visible() != st.params.Info.Visible():
		return nil, device.StatusIncompatibleVideoParam
	default:
		if err := st.send(ctx, ctrl, in); err != nil {
			logger.Errorf(ctx, "%v", err)
			return nil, device.StatusUndefined
		}
	}
	if err := st.receive(ctx); err != nil {
		logger.Errorf(ctx, "%v", err)
		return nil, device.StatusUndefined
	}

	if len(st.queue) == 0 {
		return nil, device.StatusMoreData
	}
	unit := st.queue[0]
	st.queue[0] = encodedUnit{}
	st.queue = st.queue[1:]

	out.Data = append(out.Data, unit.data...)
	out.PTS = unit.pts
	out.DTS = unit.dts
	out.KeyFrame = unit.keyFrame
	out.FrameType = device.FrameTypeUnknown
	if unit.keyFrame {
		out.FrameType = device.FrameTypeIDR
	}
	return s.newSyncPoint(device.StatusOK), device.StatusOK
}
