// vpp.go implements the video post-processing role of the simulated device.

package simulated

import (
	"context"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/transform"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
)

type vppState struct {
	params device.Params
}

func (s *Session) RunFrameVPPAsync(
	ctx context.Context,
	in, out *surface.Surface,
) (device.SyncPoint, device.Status) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)

	st := s.vpp
	if st == nil {
		return nil, device.StatusNotInitialized
	}
	if in == nil || out == nil {
		return nil, device.StatusInvalidHandle
	}
	if out.Locked() > 0 {
		return nil, device.StatusMoreSurface
	}
	if in.Info.Format != st.params.InputInfo.Format || out.Info.Format != st.params.Info.Format {
		return nil, device.StatusInvalidVideoParam
	}
	q, status := s.reserve(ctx)
	if status != device.StatusOK {
		return nil, status
	}

	out.Info.Crop = st.params.Info.Visible()
	if err := process(in, out, st.params.Denoise); err != nil {
		logger.Errorf(ctx, "unable to process %s -> %s: %v", in, out, err)
		q.done()
		return nil, device.StatusUndefined
	}
	out.PTS = in.PTS
	in.LockInc()
	out.LockInc()
	return s.launch(ctx, q, in, out), device.StatusOK
}

func process(in, out *surface.Surface, denoise float64) error {
	img, err := ToImage(in.Info, in.Data)
	if err != nil {
		return err
	}
	if denoise > 0 {
		img = blur.Gaussian(img, denoise)
	}
	dst := out.Info.Visible()
	if b := img.Bounds(); b.Dx() != int(dst.Width) || b.Dy() != int(dst.Height) {
		img = transform.Resize(img, int(dst.Width), int(dst.Height), transform.Linear)
	}
	return FromImage(img, out.Info, out.Data)
}
