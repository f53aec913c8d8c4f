// decoder.go implements the decoding role on a libav decoder.

package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

type decoderState struct {
	codecID      device.CodecID
	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	packet       *astiav.Packet
	params       device.Params

	// carry are the received frames not placed into a surface yet.
	carry    []*astiav.Frame
	draining bool
}

func (s *Session) newDecoderState(
	ctx context.Context,
	codecID device.CodecID,
) (_ret *decoderState, _err error) {
	logger.Tracef(ctx, "newDecoderState(ctx, %s)", codecID)
	defer func() { logger.Tracef(ctx, "/newDecoderState(ctx, %s): %v", codecID, _err) }()

	id, err := codecIDToAstiav(codecID)
	if err != nil {
		return nil, err
	}
	codec := astiav.FindDecoder(id)
	if codec == nil {
		return nil, fmt.Errorf("no libav decoder for %s: %w", codecID, device.ErrStatus{Status: device.StatusUnsupported})
	}
	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return nil, fmt.Errorf("unable to allocate the codec context of %s", codec.Name())
	}
	if s.hwCtx != nil {
		if err := s.setHardwarePixelFormat(ctx, codec, codecContext); err != nil {
			codecContext.Free()
			return nil, err
		}
		codecContext.SetHardwareDeviceContext(s.hwCtx)
	}
	options := dictionaryToAstiav(ctx, s.device.Config.CustomOptions)
	if options != nil {
		defer options.Free()
	}
	if err := codecContext.Open(codec, options); err != nil {
		codecContext.Free()
		return nil, fmt.Errorf("unable to open the decoder %s: %w: %w", codec.Name(), err, device.ErrStatus{Status: device.StatusDeviceFailed})
	}
	return &decoderState{
		codecID:      codecID,
		codec:        codec,
		codecContext: codecContext,
		packet:       astiav.AllocPacket(),
	}, nil
}

func (s *Session) setHardwarePixelFormat(
	ctx context.Context,
	codec *astiav.Codec,
	codecContext *astiav.CodecContext,
) error {
	hwType := astiav.HardwareDeviceType(s.device.Config.HardwareDeviceType)
	hwPixelFormat := astiav.PixelFormatNone
	for _, hwCfg := range codec.HardwareConfigs() {
		logger.Tracef(ctx, "hw config: %v %v %v", hwCfg.PixelFormat(), hwCfg.MethodFlags(), hwCfg.HardwareDeviceType())
		if hwCfg.HardwareDeviceType() != hwType {
			continue
		}
		if !hwCfg.MethodFlags().Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) {
			continue
		}
		hwPixelFormat = hwCfg.PixelFormat()
		break
	}
	if hwPixelFormat == astiav.PixelFormatNone {
		return fmt.Errorf("%s cannot decode on %s: %w", codec.Name(), s.device.Config.HardwareDeviceType, device.ErrStatus{Status: device.StatusUnsupported})
	}
	codecContext.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
		for _, pf := range pfs {
			if pf == hwPixelFormat {
				return pf
			}
		}
		logger.Errorf(ctx, "unable to find appropriate pixel format")
		return astiav.PixelFormatNone
	})
	return nil
}

func (st *decoderState) free() {
	for _, f := range st.carry {
		framePool.Put(f)
	}
	st.carry = nil
	st.packet.Free()
	st.codecContext.Free()
}

func (s *Session) deinitDecoderLocked(ctx context.Context, keep bool) {
	if !keep {
		for _, st := range []*decoderState{s.decoder, s.parked} {
			if st != nil {
				st.free()
			}
		}
		s.decoder, s.parked = nil, nil
		for _, f := range s.carry {
			framePool.Put(f)
		}
		s.carry = nil
		return
	}

	st := s.decoder
	if st == nil {
		return
	}
	s.decoder = nil
	s.carry = append(s.carry, st.carry...)
	st.carry = nil
	if st.draining || s.parked != nil {
		st.free()
		return
	}
	// the stream goes on after a renegotiation, so the reference frames
	// have to survive
	logger.Debugf(ctx, "parking the decoder %s", st.codec.Name())
	s.parked = st
}

// send passes the remaining bitstream to the decoder. It returns false if
// the decoder has to output frames before taking more data.
func (st *decoderState) send(ctx context.Context, bs *device.Bitstream) (bool, error) {
	data := bs.Remaining()
	if len(data) == 0 {
		return true, nil
	}
	defer st.packet.Unref()
	if err := st.packet.FromData(data); err != nil {
		return false, fmt.Errorf("unable to fill the packet: %w", err)
	}
	st.packet.SetPts(bs.PTS)
	st.packet.SetDts(bs.DTS)
	err := st.codecContext.SendPacket(st.packet)
	switch {
	case err == nil:
		bs.Offset = len(bs.Data)
		return true, nil
	case errors.Is(err, astiav.ErrEagain):
		return false, nil
	default:
		return false, fmt.Errorf("unable to send the packet: %w", err)
	}
}

// receive moves every available decoded frame to carry. It returns true
// if the decoder reached the end of the stream.
func (s *Session) receive(ctx context.Context, st *decoderState) (bool, error) {
	for {
		f := framePool.Get()
		err := st.codecContext.ReceiveFrame(f)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain):
			framePool.Put(f)
			return false, nil
		case errors.Is(err, astiav.ErrEof):
			framePool.Put(f)
			return true, nil
		default:
			framePool.Put(f)
			return false, fmt.Errorf("unable to receive a frame: %w", err)
		}
		if _, ok := pixelFormatFromAstiav(f.PixelFormat()); !ok && s.hwCtx != nil {
			sw := framePool.Get()
			if err := f.TransferHardwareData(sw); err != nil {
				framePool.Put(f, sw)
				return false, fmt.Errorf("unable to transfer the frame from the hardware: %w", err)
			}
			sw.SetPts(f.Pts())
			framePool.Put(f)
			f = sw
		}
		st.carry = append(st.carry, f)
	}
}

// DecodeHeader opens the decoder and feeds it until the first frame is
// decoded, since libav exposes the stream parameters only this way. The
// consumed data is not decoded again: the frame is output once the role
// is initialized.
func (s *Session) DecodeHeader(
	ctx context.Context,
	bs *device.Bitstream,
	params *device.Params,
) error {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)

	if len(s.carry) == 0 {
		if s.parked == nil {
			st, err := s.newDecoderState(ctx, params.CodecID)
			if err != nil {
				return err
			}
			s.parked = st
		}
		for len(s.parked.carry) == 0 {
			sent, err := s.parked.send(ctx, bs)
			if err != nil {
				return fmt.Errorf("%w: %w", err, device.ErrStatus{Status: device.StatusUndefined})
			}
			if _, err := s.receive(ctx, s.parked); err != nil {
				return fmt.Errorf("%w: %w", err, device.ErrStatus{Status: device.StatusUndefined})
			}
			if len(s.parked.carry) > 0 {
				break
			}
			if sent {
				return device.ErrStatus{Status: device.StatusMoreData}
			}
		}
		s.carry, s.parked.carry = s.parked.carry, nil
	}

	info, err := frameInfo(s.carry[0])
	if err != nil {
		return err
	}
	params.Info = types.FrameInfo{
		Resolution: info.Resolution,
		Crop:       info.Resolution,
		Format:     info.Format,
	}
	return nil
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

	sent := false
	switch {
	case len(st.carry) > 0:
	case bs == nil:
		if !st.draining {
			if err := st.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
				logger.Errorf(ctx, "unable to start draining: %v", err)
				return nil, nil, device.StatusUndefined
			}
			st.draining = true
		}
		if _, err := s.receive(ctx, st); err != nil {
			logger.Errorf(ctx, "%v", err)
			return nil, nil, device.StatusUndefined
		}
	default:
		var err error
		sent, err = st.send(ctx, bs)
		if err != nil {
			logger.Errorf(ctx, "%v", err)
			return nil, nil, device.StatusUndefined
		}
		if _, err := s.receive(ctx, st); err != nil {
			logger.Errorf(ctx, "%v", err)
			return nil, nil, device.StatusUndefined
		}
	}

	if len(st.carry) == 0 {
		if bs != nil && !sent {
			return nil, nil, device.StatusDeviceBusy
		}
		return nil, nil, device.StatusMoreData
	}

	f := st.carry[0]
	info, err := frameInfo(f)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return nil, nil, device.StatusUnsupported
	}
	if bs == nil && !info.Fits(st.params.Info) {
		// the rest belongs to the next negotiation
		return nil, nil, device.StatusMoreData
	}
	if work == nil {
		return nil, nil, device.StatusInvalidHandle
	}
	if !info.Fits(work.Info) {
		logger.Debugf(ctx, "the stream changed to %s, which does not fit %s", info, work.Info)
		return nil, nil, device.StatusIncompatibleVideoParam
	}
	if err := frameToSurface(f, work); err != nil {
		logger.Errorf(ctx, "unable to copy the frame into %s: %v", work, err)
		return nil, nil, device.StatusUndefined
	}
	st.carry[0] = nil
	st.carry = st.carry[1:]
	framePool.Put(f)

	status := device.StatusOK
	if info.Resolution != st.params.Info.Visible() {
		st.params.Info.Crop = info.Resolution
		status = device.StatusVideoParamChanged
	}
	return work, s.newSyncPoint(device.StatusOK), status
}
