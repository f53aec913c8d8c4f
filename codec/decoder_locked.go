// decoder_locked.go implements the decoding driver loop.

package codec

import (
	"context"
	"errors"
	"fmt"
	"time"

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
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

const metricsKindDecode = "decode"

type DecoderLocked struct {
	locker        xsync.Mutex
	config        DecoderConfig
	options       codectypes.Options
	variant       Variant
	context       *contextHandle
	session       device.Session
	closeSignaler *closuresignaler.ClosureSignaler

	state       xatomic.Value[State]
	currentPool xatomic.Value[*surface.Pool]
	counters    counters

	params      device.Params
	initialized bool
	allocKey    typing.Optional[session.AllocKey]
	pool        *surface.Pool
	ring        *taskring.Ring[*surface.Surface]

	// input accumulates the submitted units the device did not consume yet.
	input device.Bitstream
}

func (d *DecoderLocked) Submit(
	ctx context.Context,
	pkt *Packet,
) (_err error) {
	switch state := d.state.Load(); state {
	case StateClosed:
		return ErrClosed{}
	case StateDraining, StateRenegotiating:
		return ErrNotRunning{State: state}
	}
	if pkt == nil || len(pkt.Data) == 0 {
		return nil
	}
	d.counters.InputUnits.Inc()

	base := d.compactInput()
	d.input.Data = append(d.input.Data, pkt.Data...)
	d.input.PTS = pkt.PTS
	d.input.DTS = pkt.DTS

	err := d.processInput(ctx)
	if err == nil {
		return nil
	}
	if IsTransient(err) && d.state.Load() == StateRunning {
		d.counters.NoSurfaceAvailable.Inc()
		if d.input.Offset <= base {
			d.input.Data = d.input.Data[:base]
			return fmt.Errorf("the unit is not consumed: %w", err)
		}
		logger.Warnf(ctx, "the unit is consumed partially, the rest will be decoded with the next unit: %v", err)
		return nil
	}
	return d.fail(ctx, err)
}

// compactInput drops the consumed prefix of the input buffer and returns
// the length of what remains.
func (d *DecoderLocked) compactInput() int {
	remaining := copy(d.input.Data, d.input.Remaining())
	d.input.Data = d.input.Data[:remaining]
	d.input.Offset = 0
	return remaining
}

func (d *DecoderLocked) processInput(ctx context.Context) error {
	for {
		if d.state.Load().NeedsNegotiation() {
			ready, err := d.negotiate(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return nil
			}
		}
		if len(d.input.Remaining()) == 0 {
			return nil
		}
		progressed, err := d.decodeOne(ctx)
		var renegotiation ErrRenegotiationRequired
		if errors.As(err, &renegotiation) {
			logger.Debugf(ctx, "%v", renegotiation)
			if err := d.renegotiate(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// negotiate initializes the device session from the stream header. It
// returns false if the header is not received yet.
func (d *DecoderLocked) negotiate(ctx context.Context) (_ready bool, _err error) {
	logger.Debugf(ctx, "negotiate")
	defer func() { logger.Debugf(ctx, "/negotiate: %t %v", _ready, _err) }()

	if d.state.Load() == StateUninitialized {
		d.state.Store(StateNegotiating)
	}

	params := device.Params{
		Role:    device.RoleDecode,
		CodecID: d.variant.CodecID(),
	}
	err := d.session.DecodeHeader(ctx, &d.input, &params)
	if err != nil && statusOf(err) == device.StatusMoreData {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to decode the stream header: %w", err)
	}
	if err := d.variant.Configure(ctx, d.options, &params); err != nil {
		return false, fmt.Errorf("unable to configure %s: %w", d.variant, err)
	}

	reqs, err := d.session.QueryIOSurf(ctx, params)
	if err != nil {
		return false, fmt.Errorf("unable to query the surfaces for %s: %w", params, err)
	}
	if len(reqs) != 1 {
		return false, fmt.Errorf("expected one surface request, got %d", len(reqs))
	}
	pool, key, err := newPool(ctx, d.context, d.session, reqs[0], d.options)
	if err != nil {
		return false, err
	}
	d.pool = pool
	d.allocKey.Set(key)
	d.currentPool.Store(pool)

	if err := d.variant.PreInit(ctx, &params); err != nil {
		return false, fmt.Errorf("%s rejected the parameters: %w", d.variant, err)
	}
	if err := d.session.Init(ctx, params); err != nil {
		return false, ErrStream{Op: "decoder init", Status: statusOf(err), Err: err}
	}
	d.initialized = true
	if err := d.variant.PostConfigure(ctx, params); err != nil {
		return false, fmt.Errorf("%s post-configuration failed: %w", d.variant, err)
	}

	ring, err := taskring.New[*surface.Surface](
		d.session,
		params.AsyncDepth,
		taskring.OptionKind(metricsKindDecode),
		taskring.OptionWaitTimeout(d.options.SyncTimeout),
	)
	if err != nil {
		return false, err
	}
	d.ring = ring
	d.params = params
	logger.Tracef(ctx, "negotiated: %s", spew.Sdump(params))
	d.state.Store(StateRunning)
	return true, nil
}

// decodeOne submits the input once. It returns false if the device needs
// more data to make progress.
func (d *DecoderLocked) decodeOne(ctx context.Context) (bool, error) {
	idx := d.ring.NextSlot()
	if out, finished, err := d.ring.Poll(ctx, idx); err != nil {
		return false, d.dropOutput(ctx, out, err)
	} else if finished {
		if err := d.forward(ctx, out); err != nil {
			return false, err
		}
	}

	work, err := d.acquireWork(ctx)
	if err != nil {
		return false, err
	}
	if err := d.finishSlot(ctx, idx, true); err != nil {
		d.release(ctx, work)
		return false, err
	}

	busyRetries := 0
	for {
		offset := d.input.Offset
		out, sp, status := d.session.DecodeFrameAsync(ctx, &d.input, work)
		metrics.DeviceStatuses.WithLabelValues(metricsKindDecode, status.String()).Inc()
		switch {
		case status == device.StatusOK || status.IsWarning():
			if status.IsWarning() {
				logger.Debugf(ctx, "decoding went on with a warning: %s", status)
			}
			if out != work {
				d.release(ctx, work)
				if err := d.pool.Claim(ctx, out); err != nil {
					return false, fmt.Errorf("unable to claim the output surface %s: %w", out, err)
				}
			}
			if err := d.ring.Submit(idx, sp, out); err != nil {
				return false, err
			}
			d.counters.observePending(d.ring.Pending())
			return true, nil
		case status == device.StatusMoreData:
			d.release(ctx, work)
			return d.input.Offset != offset, nil
		case status == device.StatusMoreSurface:
			d.counters.MoreSurfaceRetries.Inc()
			d.release(ctx, work)
			return true, nil
		case status == device.StatusDeviceBusy:
			busyRetries++
			if busyRetries > d.options.BusyRetryLimit {
				d.release(ctx, work)
				return false, ErrStream{Op: "decode", Status: status}
			}
			d.counters.BusyRetries.Inc()
			if err := d.relieveBusy(ctx, true); err != nil {
				d.release(ctx, work)
				return false, err
			}
		case status == device.StatusIncompatibleVideoParam:
			d.release(ctx, work)
			return false, ErrRenegotiationRequired{Reason: status.String()}
		default:
			d.release(ctx, work)
			return false, ErrStream{Op: "decode", Status: status}
		}
	}
}

// acquireWork gets a surface to decode into. It blocks on the oldest
// pending operation only if no surface is available right away.
func (d *DecoderLocked) acquireWork(ctx context.Context) (*surface.Surface, error) {
	return acquireSurface(ctx, d.pool, func() (bool, error) {
		idx, ok := d.ring.Oldest()
		if !ok {
			return false, nil
		}
		return true, d.finishSlot(ctx, idx, true)
	})
}

// finishSlot waits for the operation in the slot and delivers (or drops)
// its output.
func (d *DecoderLocked) finishSlot(
	ctx context.Context,
	idx int,
	deliver bool,
) error {
	out, wasPending, err := d.ring.Finish(ctx, idx)
	if err != nil {
		return d.dropOutput(ctx, out, err)
	}
	if !wasPending {
		return nil
	}
	if !deliver {
		d.release(ctx, out)
		return nil
	}
	return d.forward(ctx, out)
}

func (d *DecoderLocked) dropOutput(
	ctx context.Context,
	out *surface.Surface,
	err error,
) error {
	if out != nil {
		d.release(ctx, out)
	}
	var timeout taskring.ErrSyncTimeout
	if errors.As(err, &timeout) {
		return ErrStream{Op: "decode sync", Status: device.StatusInExecution, Err: err}
	}
	return ErrStream{Op: "decode sync", Status: statusOf(err), Err: err}
}

// relieveBusy makes room in the device queue: it finishes the oldest
// pending operation, or waits a bit if there is none of ours.
func (d *DecoderLocked) relieveBusy(
	ctx context.Context,
	deliver bool,
) error {
	if idx, ok := d.ring.Oldest(); ok {
		return d.finishSlot(ctx, idx, deliver)
	}
	return sleep(ctx, d.options.BusyRetryInterval)
}

func (d *DecoderLocked) forward(
	ctx context.Context,
	out *surface.Surface,
) error {
	d.counters.OutputUnits.Inc()
	metrics.OutputUnits.WithLabelValues(metricsKindDecode).Inc()
	frame := newFrame(out)
	if err := d.config.Sink.SendOutput(ctx, frame); err != nil {
		_ = frame.Release(ctx)
		return fmt.Errorf("the sink rejected %s: %w", frame, err)
	}
	return nil
}

// release returns a surface the loop no longer needs to its pool.
func (d *DecoderLocked) release(
	ctx context.Context,
	s *surface.Surface,
) {
	if err := s.Pool().Release(ctx, s); err != nil {
		logger.Errorf(ctx, "unable to release %s: %v", s, err)
	}
}

// drainDevice submits null operations until the device has nothing
// buffered, then finishes every pending slot. A null operation still
// needs a work surface to put the buffered frame into.
func (d *DecoderLocked) drainDevice(
	ctx context.Context,
	deliver bool,
) (_err error) {
	logger.Debugf(ctx, "drainDevice(ctx, %t)", deliver)
	defer func() { logger.Debugf(ctx, "/drainDevice(ctx, %t): %v", deliver, _err) }()

	busyRetries := 0
	for {
		idx := d.ring.NextSlot()
		if err := d.finishSlot(ctx, idx, deliver); err != nil {
			return err
		}
		work, err := d.acquireWork(ctx)
		if err != nil {
			return err
		}
		out, sp, status := d.session.DecodeFrameAsync(ctx, nil, work)
		metrics.DeviceStatuses.WithLabelValues(metricsKindDecode, status.String()).Inc()
		if status == device.StatusMoreData {
			d.release(ctx, work)
			break
		}
		switch {
		case status == device.StatusOK || status.IsWarning():
			if out != work {
				d.release(ctx, work)
				if err := d.pool.Claim(ctx, out); err != nil {
					return fmt.Errorf("unable to claim the output surface %s: %w", out, err)
				}
			}
			if err := d.ring.Submit(idx, sp, out); err != nil {
				return err
			}
		case status == device.StatusDeviceBusy:
			d.release(ctx, work)
			busyRetries++
			if busyRetries > d.options.BusyRetryLimit {
				return ErrStream{Op: "decode drain", Status: status}
			}
			d.counters.BusyRetries.Inc()
			if err := d.relieveBusy(ctx, deliver); err != nil {
				return err
			}
		default:
			d.release(ctx, work)
			return ErrStream{Op: "decode drain", Status: status}
		}
	}
	return d.ring.Drain(ctx, func(out *surface.Surface) error {
		if !deliver {
			d.release(ctx, out)
			return nil
		}
		return d.forward(ctx, out)
	})
}

// renegotiate drains the device with the old parameters and tears the
// session role down; the next processing iteration negotiates again.
func (d *DecoderLocked) renegotiate(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "renegotiate")
	defer func() { logger.Debugf(ctx, "/renegotiate: %v", _err) }()

	d.counters.Renegotiations.Inc()
	metrics.Renegotiations.WithLabelValues(metricsKindDecode).Inc()
	d.state.Store(StateDraining)
	if err := d.drainDevice(ctx, true); err != nil {
		return err
	}
	if err := d.teardown(ctx); err != nil {
		return err
	}
	d.state.Store(StateRenegotiating)
	return nil
}

// teardown releases everything negotiate set up. Pending operations are
// dropped without waiting.
func (d *DecoderLocked) teardown(ctx context.Context) error {
	var errs []error
	if d.ring != nil {
		for _, out := range d.ring.Reset() {
			d.release(ctx, out)
		}
		d.ring = nil
	}
	if d.initialized {
		if err := d.session.Deinit(ctx, device.RoleDecode); err != nil {
			errs = append(errs, fmt.Errorf("unable to deinitialize the decoder: %w", err))
		}
		d.initialized = false
	}
	if d.pool != nil {
		if err := d.pool.Retire(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to retire %s: %w", d.pool, err))
		}
		d.pool = nil
		d.currentPool.Store((*surface.Pool)(nil))
	}
	if d.allocKey.IsSet() {
		d.context.RemoveAllocResponse(ctx, d.allocKey.Get())
		d.allocKey.Unset()
	}
	return errors.Join(errs...)
}

func (d *DecoderLocked) Flush(ctx context.Context) (_err error) {
	switch state := d.state.Load(); state {
	case StateClosed:
		return ErrClosed{}
	case StateRunning:
	default:
		d.input.Reset()
		return nil
	}
	d.state.Store(StateDraining)
	if err := d.ring.Drain(ctx, func(out *surface.Surface) error {
		d.release(ctx, out)
		return nil
	}); err != nil {
		return d.fail(ctx, err)
	}
	if err := d.session.Reset(ctx, d.params); err != nil {
		return d.fail(ctx, ErrStream{Op: "decoder reset", Status: statusOf(err), Err: err})
	}
	d.input.Reset()
	d.state.Store(StateRunning)
	return nil
}

func (d *DecoderLocked) Drain(ctx context.Context) (_err error) {
	switch d.state.Load() {
	case StateClosed:
		return ErrClosed{}
	case StateRunning:
	default:
		return d.Close(ctx)
	}
	d.state.Store(StateDraining)
	if err := d.drainDevice(ctx, true); err != nil {
		return d.fail(ctx, err)
	}
	return d.Close(ctx)
}

func (d *DecoderLocked) Close(ctx context.Context) (_err error) {
	return d.close(ctx, nil)
}

// fail terminates the stream because of "err" and returns it.
func (d *DecoderLocked) fail(ctx context.Context, err error) error {
	logger.Errorf(ctx, "the decoding stream failed: %v", err)
	if closeErr := d.close(ctx, err); closeErr != nil {
		logger.Errorf(ctx, "unable to close the decoder: %v", closeErr)
	}
	return err
}

func (d *DecoderLocked) close(ctx context.Context, reason error) error {
	if d.state.Load() == StateClosed {
		return nil
	}
	ctx = xcontext.DetachDone(ctx)
	var errs []error
	if d.ring != nil && reason == nil {
		if err := d.ring.Drain(ctx, func(out *surface.Surface) error {
			d.release(ctx, out)
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.context.release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unable to release the context: %w", err))
	}
	d.input = device.Bitstream{}
	d.state.Store(StateClosed)
	d.closeSignaler.CloseWithError(ctx, reason)
	return errors.Join(errs...)
}

// sleep waits for the given duration unless the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusOf(err error) device.Status {
	var statusErr device.ErrStatus
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return device.StatusUndefined
}
