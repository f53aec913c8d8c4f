// encoder_locked.go implements the encoding driver loop.

package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-ng/xatomic"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/helpers/closuresignaler"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/taskring"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

const metricsKindEncode = "encode"

type EncoderLocked struct {
	locker        xsync.Mutex
	config        EncoderConfig
	options       codectypes.Options
	variant       Variant
	outputSize    types.Resolution
	context       *contextHandle
	session       device.Session
	closeSignaler *closuresignaler.ClosureSignaler

	state       xatomic.Value[State]
	currentPool xatomic.Value[*surface.Pool]
	counters    counters

	// Next is the bitrate change to apply before the next frame.
	Next typing.Optional[BitrateChange]

	// inputInfo is the raw frame layout the session is negotiated for.
	inputInfo   types.FrameInfo
	params      device.Params
	initialized bool
	allocKey    typing.Optional[session.AllocKey]
	pool        *surface.Pool
	vpp         *vppStage
	ring        *taskring.Ring[*device.Bitstream]
}

func (e *EncoderLocked) Submit(
	ctx context.Context,
	f *RawFrame,
) (_err error) {
	switch state := e.state.Load(); state {
	case StateClosed:
		return ErrClosed{}
	case StateDraining, StateRenegotiating:
		return ErrNotRunning{State: state}
	}
	if f == nil {
		return fmt.Errorf("no frame")
	}
	if size := f.Info.FrameSize(); size <= 0 || len(f.Data) < size {
		return fmt.Errorf("%s needs %d bytes, got %d", f.Info, size, len(f.Data))
	}
	e.counters.InputUnits.Inc()

	err := e.submit(ctx, f)
	if err == nil {
		return nil
	}
	if IsTransient(err) && e.state.Load() == StateRunning {
		e.counters.NoSurfaceAvailable.Inc()
		return fmt.Errorf("the frame is not consumed: %w", err)
	}
	return e.fail(ctx, err)
}

func (e *EncoderLocked) submit(
	ctx context.Context,
	f *RawFrame,
) error {
	switch {
	case e.state.Load().NeedsNegotiation():
		if err := e.negotiate(ctx, f.Info); err != nil {
			return err
		}
	case !sameLayout(e.inputInfo, f.Info):
		logger.Debugf(ctx, "the raw frames changed %s -> %s", e.inputInfo, f.Info)
		if err := e.renegotiate(ctx, f.Info); err != nil {
			return err
		}
	}
	if e.Next.IsSet() {
		if err := e.applyBitrate(ctx); err != nil {
			return err
		}
	}
	return e.encodeOne(ctx, f, false)
}

func sameLayout(a, b types.FrameInfo) bool {
	return a.Format == b.Format && a.Visible() == b.Visible()
}

// nativeFormat is the layout the encoding session takes its input in.
func nativeFormat(f types.PixelFormat) types.PixelFormat {
	if f == types.PixelFormatP010 {
		return types.PixelFormatP010
	}
	return types.PixelFormatNV12
}

func (e *EncoderLocked) negotiate(
	ctx context.Context,
	rawInfo types.FrameInfo,
) (_err error) {
	logger.Debugf(ctx, "negotiate(ctx, %s)", rawInfo)
	defer func() { logger.Debugf(ctx, "/negotiate(ctx, %s): %v", rawInfo, _err) }()

	if e.state.Load() == StateUninitialized {
		e.state.Store(StateNegotiating)
	}

	visible := rawInfo.Visible()
	outputSize := e.outputSize
	if outputSize.Width == 0 || outputSize.Height == 0 {
		outputSize = visible
	}
	params := device.Params{
		Role:    device.RoleEncode,
		CodecID: e.variant.CodecID(),
		Info: types.FrameInfo{
			Resolution: outputSize,
			Crop:       outputSize,
			Format:     nativeFormat(rawInfo.Format),
		},
	}
	if err := e.variant.Configure(ctx, e.options, &params); err != nil {
		return fmt.Errorf("unable to configure %s: %w", e.variant, err)
	}

	reqs, err := e.session.QueryIOSurf(ctx, params)
	if err != nil {
		return fmt.Errorf("unable to query the surfaces for %s: %w", params, err)
	}
	if len(reqs) != 1 {
		return fmt.Errorf("expected one surface request, got %d", len(reqs))
	}
	encodeReq := reqs[0]

	needsVPP := rawInfo.Format != params.Info.Format || visible != outputSize || e.options.Denoise > 0
	var vppParams device.Params
	var vppReqs []surface.AllocRequest
	if needsVPP {
		vppParams = device.Params{
			Role: device.RoleVPP,
			InputInfo: types.FrameInfo{
				Resolution: visible,
				Crop:       visible,
				Format:     rawInfo.Format,
			},
			Info:       params.Info,
			Denoise:    e.options.Denoise,
			AsyncDepth: params.AsyncDepth,
		}
		vppReqs, err = e.session.QueryIOSurf(ctx, vppParams)
		if err != nil {
			return fmt.Errorf("unable to query the surfaces for %s: %w", vppParams, err)
		}
		if len(vppReqs) != 2 {
			return fmt.Errorf("expected two surface requests for the pre-processing, got %d", len(vppReqs))
		}
		// the pre-processing writes directly into the encoder input surfaces
		encodeReq = encodeReq.Merge(vppReqs[1])
	}

	pool, key, err := newPool(ctx, e.context, e.session, encodeReq, e.options)
	if err != nil {
		return err
	}
	e.pool = pool
	e.allocKey.Set(key)
	e.currentPool.Store(pool)

	if needsVPP {
		vpp, err := newVPPStage(ctx, e.context, e.session, vppParams, vppReqs[0], e.options)
		if err != nil {
			return err
		}
		e.vpp = vpp
	}

	if err := e.variant.PreInit(ctx, &params); err != nil {
		return fmt.Errorf("%s rejected the parameters: %w", e.variant, err)
	}
	if err := e.session.Init(ctx, params); err != nil {
		return ErrStream{Op: "encoder init", Status: statusOf(err), Err: err}
	}
	e.initialized = true
	if err := e.variant.PostConfigure(ctx, params); err != nil {
		return fmt.Errorf("%s post-configuration failed: %w", e.variant, err)
	}

	ring, err := taskring.New[*device.Bitstream](
		e.session,
		params.AsyncDepth,
		taskring.OptionKind(metricsKindEncode),
		taskring.OptionWaitTimeout(e.options.SyncTimeout),
	)
	if err != nil {
		return err
	}
	e.ring = ring
	e.params = params
	e.inputInfo = rawInfo
	logger.Tracef(ctx, "negotiated: %s", spew.Sdump(params))
	e.state.Store(StateRunning)
	return nil
}

func (e *EncoderLocked) encodeOne(
	ctx context.Context,
	f *RawFrame,
	renegotiated bool,
) error {
	in, err := e.prepareInput(ctx, f)
	if err != nil {
		return err
	}

	idx := e.ring.NextSlot()
	if err := e.finishSlot(ctx, idx, true); err != nil {
		e.release(ctx, in)
		return err
	}

	bs := bitstreamPool.Get()
	ctrl := &device.EncodeControl{ForceKeyFrame: f.ForceKeyFrame}
	busyRetries := 0
	for {
		sp, status := e.session.EncodeFrameAsync(ctx, ctrl, in, bs)
		metrics.DeviceStatuses.WithLabelValues(metricsKindEncode, status.String()).Inc()
		switch {
		case status == device.StatusOK || status.IsWarning():
			e.release(ctx, in)
			if err := e.ring.Submit(idx, sp, bs); err != nil {
				return err
			}
			e.counters.observePending(e.ring.Pending())
			return nil
		case status == device.StatusMoreData:
			// buffered inside the device (reordering)
			e.release(ctx, in)
			bitstreamPool.Put(bs)
			return nil
		case status == device.StatusDeviceBusy || status == device.StatusMoreSurface:
			busyRetries++
			if busyRetries > e.options.BusyRetryLimit {
				e.release(ctx, in)
				bitstreamPool.Put(bs)
				return ErrStream{Op: "encode", Status: status}
			}
			if status == device.StatusDeviceBusy {
				e.counters.BusyRetries.Inc()
			} else {
				e.counters.MoreSurfaceRetries.Inc()
			}
			if err := e.relieveBusy(ctx, true); err != nil {
				e.release(ctx, in)
				bitstreamPool.Put(bs)
				return err
			}
		case status == device.StatusIncompatibleVideoParam && !renegotiated:
			e.release(ctx, in)
			bitstreamPool.Put(bs)
			if err := e.renegotiate(ctx, f.Info); err != nil {
				return err
			}
			return e.encodeOne(ctx, f, true)
		default:
			e.release(ctx, in)
			bitstreamPool.Put(bs)
			return ErrStream{Op: "encode", Status: status}
		}
	}
}

// prepareInput places the frame into an encoder input surface, through
// the pre-processing stage if there is one.
func (e *EncoderLocked) prepareInput(
	ctx context.Context,
	f *RawFrame,
) (*surface.Surface, error) {
	if e.vpp != nil {
		return e.vpp.process(ctx, e, f)
	}
	in, err := acquireSurface(ctx, e.pool, e.finishOldest(ctx))
	if err != nil {
		return nil, err
	}
	if err := upload(in, f); err != nil {
		e.release(ctx, in)
		return nil, err
	}
	return in, nil
}

// upload copies the (tightly packed) raw frame into the surface memory.
func upload(s *surface.Surface, f *RawFrame) error {
	visible := f.Info.Visible()
	src := types.FrameInfo{
		Resolution: f.Info.Resolution,
		Crop:       visible,
		Format:     f.Info.Format,
	}
	if err := types.CopyPlanes(s.Data, s.Info, f.Data, src); err != nil {
		return fmt.Errorf("unable to upload %s into %s: %w", f, s, err)
	}
	s.Info.Crop = visible
	s.PTS = f.PTS
	return nil
}

func (e *EncoderLocked) finishOldest(ctx context.Context) func() (bool, error) {
	return func() (bool, error) {
		idx, ok := e.ring.Oldest()
		if !ok {
			return false, nil
		}
		return true, e.finishSlot(ctx, idx, true)
	}
}

func (e *EncoderLocked) finishSlot(
	ctx context.Context,
	idx int,
	deliver bool,
) error {
	bs, wasPending, err := e.ring.Finish(ctx, idx)
	if err != nil {
		bitstreamPool.Put(bs)
		var timeout taskring.ErrSyncTimeout
		if errors.As(err, &timeout) {
			return ErrStream{Op: "encode sync", Status: device.StatusInExecution, Err: err}
		}
		return ErrStream{Op: "encode sync", Status: statusOf(err), Err: err}
	}
	if !wasPending {
		return nil
	}
	if !deliver {
		bitstreamPool.Put(bs)
		return nil
	}
	return e.forward(ctx, bs)
}

func (e *EncoderLocked) relieveBusy(
	ctx context.Context,
	deliver bool,
) error {
	if idx, ok := e.ring.Oldest(); ok {
		return e.finishSlot(ctx, idx, deliver)
	}
	return sleep(ctx, e.options.BusyRetryInterval)
}

func (e *EncoderLocked) forward(
	ctx context.Context,
	bs *device.Bitstream,
) error {
	pkt := packetFromBitstream(bs)
	bitstreamPool.Put(bs)
	e.counters.OutputUnits.Inc()
	if pkt.KeyFrame {
		e.counters.KeyFrames.Inc()
	}
	metrics.OutputUnits.WithLabelValues(metricsKindEncode).Inc()
	if err := e.config.Sink.SendOutput(ctx, pkt); err != nil {
		return fmt.Errorf("the sink rejected %s: %w", pkt, err)
	}
	return nil
}

func (e *EncoderLocked) release(
	ctx context.Context,
	s *surface.Surface,
) {
	if err := s.Pool().Release(ctx, s); err != nil {
		logger.Errorf(ctx, "unable to release %s: %v", s, err)
	}
}

// drainDevice makes the device emit every frame it buffered, then finishes
// every pending slot.
func (e *EncoderLocked) drainDevice(
	ctx context.Context,
	deliver bool,
) (_err error) {
	logger.Debugf(ctx, "drainDevice(ctx, %t)", deliver)
	defer func() { logger.Debugf(ctx, "/drainDevice(ctx, %t): %v", deliver, _err) }()

	busyRetries := 0
	for {
		idx := e.ring.NextSlot()
		if err := e.finishSlot(ctx, idx, deliver); err != nil {
			return err
		}
		bs := bitstreamPool.Get()
		sp, status := e.session.EncodeFrameAsync(ctx, nil, nil, bs)
		metrics.DeviceStatuses.WithLabelValues(metricsKindEncode, status.String()).Inc()
		if status == device.StatusMoreData {
			bitstreamPool.Put(bs)
			break
		}
		switch {
		case status == device.StatusOK || status.IsWarning():
			if err := e.ring.Submit(idx, sp, bs); err != nil {
				return err
			}
		case status == device.StatusDeviceBusy:
			bitstreamPool.Put(bs)
			busyRetries++
			if busyRetries > e.options.BusyRetryLimit {
				return ErrStream{Op: "encode drain", Status: status}
			}
			e.counters.BusyRetries.Inc()
			if err := e.relieveBusy(ctx, deliver); err != nil {
				return err
			}
		default:
			bitstreamPool.Put(bs)
			return ErrStream{Op: "encode drain", Status: status}
		}
	}
	return e.ring.Drain(ctx, func(bs *device.Bitstream) error {
		if !deliver {
			bitstreamPool.Put(bs)
			return nil
		}
		return e.forward(ctx, bs)
	})
}

// renegotiate delivers everything encoded with the old parameters and
// negotiates the session again for the given raw frame layout.
func (e *EncoderLocked) renegotiate(
	ctx context.Context,
	rawInfo types.FrameInfo,
) (_err error) {
	logger.Debugf(ctx, "renegotiate(ctx, %s)", rawInfo)
	defer func() { logger.Debugf(ctx, "/renegotiate(ctx, %s): %v", rawInfo, _err) }()

	e.counters.Renegotiations.Inc()
	metrics.Renegotiations.WithLabelValues(metricsKindEncode).Inc()
	e.state.Store(StateDraining)
	if err := e.drainDevice(ctx, true); err != nil {
		return err
	}
	if err := e.teardown(ctx); err != nil {
		return err
	}
	e.state.Store(StateRenegotiating)
	return e.negotiate(ctx, rawInfo)
}

func (e *EncoderLocked) teardown(ctx context.Context) error {
	var errs []error
	if e.ring != nil {
		bitstreamPool.Put(e.ring.Reset()...)
		e.ring = nil
	}
	if e.initialized {
		if err := e.session.Deinit(ctx, device.RoleEncode); err != nil {
			errs = append(errs, fmt.Errorf("unable to deinitialize the encoder: %w", err))
		}
		e.initialized = false
	}
	if e.vpp != nil {
		if err := e.vpp.teardown(ctx, e.context, e.session); err != nil {
			errs = append(errs, err)
		}
		e.vpp = nil
	}
	if e.pool != nil {
		if err := e.pool.Retire(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to retire %s: %w", e.pool, err))
		}
		e.pool = nil
		e.currentPool.Store((*surface.Pool)(nil))
	}
	if e.allocKey.IsSet() {
		e.context.RemoveAllocResponse(ctx, e.allocKey.Get())
		e.allocKey.Unset()
	}
	return errors.Join(errs...)
}

func (e *EncoderLocked) Flush(ctx context.Context) (_err error) {
	switch state := e.state.Load(); state {
	case StateClosed:
		return ErrClosed{}
	case StateRunning:
	default:
		return nil
	}
	e.state.Store(StateDraining)
	if err := e.ring.Drain(ctx, func(bs *device.Bitstream) error {
		bitstreamPool.Put(bs)
		return nil
	}); err != nil {
		return e.fail(ctx, err)
	}
	if err := e.session.Reset(ctx, e.params); err != nil {
		return e.fail(ctx, ErrStream{Op: "encoder reset", Status: statusOf(err), Err: err})
	}
	e.state.Store(StateRunning)
	return nil
}

func (e *EncoderLocked) Drain(ctx context.Context) (_err error) {
	switch e.state.Load() {
	case StateClosed:
		return ErrClosed{}
	case StateRunning:
	default:
		return e.Close(ctx)
	}
	e.state.Store(StateDraining)
	if err := e.drainDevice(ctx, true); err != nil {
		return e.fail(ctx, err)
	}
	return e.Close(ctx)
}

func (e *EncoderLocked) Close(ctx context.Context) (_err error) {
	return e.close(ctx, nil)
}

func (e *EncoderLocked) fail(ctx context.Context, err error) error {
	logger.Errorf(ctx, "the encoding stream failed: %v", err)
	if closeErr := e.close(ctx, err); closeErr != nil {
		logger.Errorf(ctx, "unable to close the encoder: %v", closeErr)
	}
	return err
}

func (e *EncoderLocked) close(ctx context.Context, reason error) error {
	if e.state.Load() == StateClosed {
		return nil
	}
	ctx = xcontext.DetachDone(ctx)
	var errs []error
	if e.ring != nil && reason == nil {
		if err := e.ring.Drain(ctx, func(bs *device.Bitstream) error {
			bitstreamPool.Put(bs)
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.context.release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unable to release the context: %w", err))
	}
	e.Next.Unset()
	e.state.Store(StateClosed)
	e.closeSignaler.CloseWithError(ctx, reason)
	return errors.Join(errs...)
}
