// convert.go implements the conversion between libav frames and surfaces.

package libav

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/pool"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
)

var framePool = pool.NewPool(
	astiav.AllocFrame,
	func(f *astiav.Frame) { f.Unref() },
)

func pixelFormatToAstiav(f types.PixelFormat) (astiav.PixelFormat, error) {
	switch f {
	case types.PixelFormatNV12:
		return astiav.PixelFormatNv12, nil
	case types.PixelFormatP010:
		return astiav.PixelFormatP010Le, nil
	case types.PixelFormatI420:
		return astiav.PixelFormatYuv420P, nil
	case types.PixelFormatYUY2:
		return astiav.PixelFormatYuyv422, nil
	case types.PixelFormatBGRA:
		return astiav.PixelFormatBgra, nil
	default:
		return astiav.PixelFormatNone, fmt.Errorf("pixel format %s has no libav counterpart", f)
	}
}

func pixelFormatFromAstiav(f astiav.PixelFormat) (types.PixelFormat, bool) {
	switch f {
	case astiav.PixelFormatNv12:
		return types.PixelFormatNV12, true
	case astiav.PixelFormatP010Le:
		return types.PixelFormatP010, true
	case astiav.PixelFormatYuv420P, astiav.PixelFormatYuvj420P:
		return types.PixelFormatI420, true
	case astiav.PixelFormatYuyv422:
		return types.PixelFormatYUY2, true
	case astiav.PixelFormatBgra:
		return types.PixelFormatBGRA, true
	default:
		return types.UndefinedPixelFormat, false
	}
}

func codecIDToAstiav(id device.CodecID) (astiav.CodecID, error) {
	switch id {
	case device.CodecIDH264:
		return astiav.CodecIDH264, nil
	case device.CodecIDHEVC:
		return astiav.CodecIDHevc, nil
	case device.CodecIDMJPEG:
		return astiav.CodecIDMjpeg, nil
	case device.CodecIDAV1:
		return astiav.CodecIDAv1, nil
	default:
		return astiav.CodecIDNone, fmt.Errorf("codec %s has no libav counterpart: %w", id, device.ErrStatus{Status: device.StatusUnsupported})
	}
}

// frameInfo describes the picture of a software frame.
func frameInfo(f *astiav.Frame) (types.FrameInfo, error) {
	format, ok := pixelFormatFromAstiav(f.PixelFormat())
	if !ok {
		return types.FrameInfo{}, fmt.Errorf("unsupported pixel format %s: %w", f.PixelFormat(), device.ErrStatus{Status: device.StatusUnsupported})
	}
	res := types.Resolution{Width: uint32(f.Width()), Height: uint32(f.Height())}
	return types.FrameInfo{
		Resolution: res,
		Crop:       res,
		Format:     format,
	}, nil
}

// frameToSurface copies a software frame into the surface memory.
func frameToSurface(f *astiav.Frame, s *surface.Surface) error {
	info, err := frameInfo(f)
	if err != nil {
		return err
	}
	data, err := f.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("unable to get the frame data: %w", err)
	}
	if err := types.CopyPlanes(s.Data, s.Info, data, info); err != nil {
		return err
	}
	s.Info.Crop = info.Resolution
	s.PTS = f.Pts()
	return nil
}

// surfaceToFrame copies the visible part of the surface into a writable
// frame of the same geometry. scratch is reused between calls.
func surfaceToFrame(
	s *surface.Surface,
	f *astiav.Frame,
	scratch []byte,
) ([]byte, error) {
	visible := s.Info.Visible()
	packed := types.FrameInfo{
		Resolution: visible,
		Crop:       visible,
		Format:     s.Info.Format,
	}
	size := packed.FrameSize()
	if cap(scratch) < size {
		scratch = make([]byte, size)
	}
	scratch = scratch[:size]
	if err := types.CopyPlanes(scratch, packed, s.Data, s.Info); err != nil {
		return scratch, err
	}
	if err := f.MakeWritable(); err != nil {
		return scratch, fmt.Errorf("unable to make the frame writable: %w", err)
	}
	if err := f.Data().SetBytes(scratch, 1); err != nil {
		return scratch, fmt.Errorf("unable to set the frame data: %w", err)
	}
	f.SetPts(s.PTS)
	return scratch, nil
}
