// encoder_vpp.go implements the pre-processing stage in front of the encoder.

package codec

import (
	"context"
	"errors"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/surface"
)

const metricsKindVPP = "vpp"

// vppStage converts raw frames (pixel format, size, denoising) into the
// encoder input surfaces. It owns only the pool of its input surfaces: it
// writes directly into the surfaces of the encoder.
type vppStage struct {
	params      device.Params
	pool        *surface.Pool
	allocKey    session.AllocKey
	initialized bool
}

func newVPPStage(
	ctx context.Context,
	h *contextHandle,
	sess device.Session,
	params device.Params,
	inputReq surface.AllocRequest,
	opts codectypes.Options,
) (*vppStage, error) {
	pool, key, err := newPool(ctx, h, sess, inputReq, opts)
	if err != nil {
		return nil, err
	}
	st := &vppStage{
		params:   params,
		pool:     pool,
		allocKey: key,
	}
	if err := sess.Init(ctx, params); err != nil {
		err = ErrStream{Op: "vpp init", Status: statusOf(err), Err: err}
		if teardownErr := st.teardown(ctx, h, sess); teardownErr != nil {
			err = errors.Join(err, teardownErr)
		}
		return nil, err
	}
	st.initialized = true
	return st, nil
}

func (st *vppStage) process(
	ctx context.Context,
	e *EncoderLocked,
	f *RawFrame,
) (*surface.Surface, error) {
	in, err := acquireSurface(ctx, st.pool, e.finishOldest(ctx))
	if err != nil {
		return nil, err
	}
	if err := upload(in, f); err != nil {
		e.release(ctx, in)
		return nil, err
	}
	out, err := acquireSurface(ctx, e.pool, e.finishOldest(ctx))
	if err != nil {
		e.release(ctx, in)
		return nil, err
	}

	busyRetries := 0
	for {
		sp, status := e.session.RunFrameVPPAsync(ctx, in, out)
		metrics.DeviceStatuses.WithLabelValues(metricsKindVPP, status.String()).Inc()
		switch {
		case status == device.StatusOK || status.IsWarning():
			// the input surface goes back to the pool, so the conversion
			// has to be over before
			err := st.sync(ctx, e, sp)
			e.release(ctx, in)
			if err != nil {
				e.release(ctx, out)
				return nil, err
			}
			return out, nil
		case status == device.StatusDeviceBusy || status == device.StatusMoreSurface:
			busyRetries++
			if busyRetries > e.options.BusyRetryLimit {
				e.release(ctx, in)
				e.release(ctx, out)
				return nil, ErrStream{Op: "vpp", Status: status}
			}
			e.counters.BusyRetries.Inc()
			if err := e.relieveBusy(ctx, true); err != nil {
				e.release(ctx, in)
				e.release(ctx, out)
				return nil, err
			}
		default:
			e.release(ctx, in)
			e.release(ctx, out)
			return nil, ErrStream{Op: "vpp", Status: status}
		}
	}
}

func (st *vppStage) sync(
	ctx context.Context,
	e *EncoderLocked,
	sp device.SyncPoint,
) error {
	if sp == nil {
		return nil
	}
	status := e.session.SyncOperation(ctx, sp, e.options.SyncTimeout)
	metrics.DeviceStatuses.WithLabelValues(metricsKindVPP, status.String()).Inc()
	if status == device.StatusOK || status.IsWarning() {
		return nil
	}
	return ErrStream{Op: "vpp sync", Status: status}
}

func (st *vppStage) teardown(
	ctx context.Context,
	h *contextHandle,
	sess device.Session,
) error {
	var errs []error
	if st.initialized {
		if err := sess.Deinit(ctx, device.RoleVPP); err != nil {
			errs = append(errs, fmt.Errorf("unable to deinitialize the pre-processing: %w", err))
		}
		st.initialized = false
	}
	if st.pool != nil {
		if err := st.pool.Retire(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to retire %s: %w", st.pool, err))
		}
		st.pool = nil
		h.RemoveAllocResponse(ctx, st.allocKey)
	}
	return errors.Join(errs...)
}
