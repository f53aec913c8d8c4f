// session.go implements the session lifecycle, joining and the
// asynchronous completion of operations.

package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Session struct {
	device   *Device
	id       uint64
	hardware bool

	// guarded by device.topologyLocker:
	queue    *queue
	parent   *Session
	children map[*Session]struct{}
	closed   bool

	closing    chan struct{}
	waitGroup  sync.WaitGroup
	lastSyncID atomic.Uint64

	locker  xsync.Mutex
	decoder *decoderState
	encoder *encoderState
	vpp     *vppState
}

var _ device.Session = (*Session)(nil)

func (s *Session) String() string {
	return fmt.Sprintf("simulated-session-%d", s.id)
}

func (s *Session) IsHardware() bool {
	return s.hardware
}

func (s *Session) Clone(ctx context.Context) (device.Session, error) {
	return s.device.OpenSession(ctx, s.hardware)
}

// QueueMaxInFlight returns the highest amount of simultaneously in-flight
// operations the queue of the session ever had.
func (s *Session) QueueMaxInFlight(ctx context.Context) int {
	return int(s.currentQueue(ctx).maxSeen.Load())
}

// IsJoined reports whether the session shares the queue of another one.
func (s *Session) IsJoined(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.device.topologyLocker, func() bool {
		return s.parent != nil
	})
}

func (s *Session) currentQueue(ctx context.Context) *queue {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.device.topologyLocker, func() *queue {
		return s.queue
	})
}

func (s *Session) Join(
	ctx context.Context,
	child device.Session,
) (_err error) {
	logger.Debugf(ctx, "Join(ctx, %s): %s", child, s)
	defer func() { logger.Debugf(ctx, "/Join(ctx, %s): %s: %v", child, s, _err) }()

	c, ok := child.(*Session)
	if !ok || c == nil {
		return device.ErrStatus{Status: device.StatusInvalidHandle}
	}
	if c == s {
		return fmt.Errorf("cannot join a session to itself")
	}
	if c.device != s.device || c.hardware != s.hardware {
		return device.ErrStatus{Status: device.StatusUnsupported}
	}
	if s.device.Faults.RejectJoin.Load() {
		return device.ErrStatus{Status: device.StatusUndefined}
	}
	return xsync.DoR1(ctx, &s.device.topologyLocker, func() error {
		if s.closed || c.closed {
			return device.ErrStatus{Status: device.StatusInvalidHandle}
		}
		if c.parent != nil {
			return fmt.Errorf("%s is already joined to %s", c, c.parent)
		}
		if len(c.children) > 0 {
			return fmt.Errorf("%s has joined sessions itself", c)
		}
		c.parent = s
		c.queue = s.queue
		s.children[c] = struct{}{}
		return nil
	})
}

func (s *Session) Disjoin(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Disjoin: %s", s)
	defer func() { logger.Debugf(ctx, "/Disjoin: %s: %v", s, _err) }()
	s.device.topologyLocker.Do(ctx, s.disjoinLocked)
	return nil
}

func (s *Session) disjoinLocked() {
	if s.parent == nil {
		return
	}
	delete(s.parent.children, s)
	s.parent = nil
	s.queue = newQueue(s.device.Config.QueueCapacity)
}

func (s *Session) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", s)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", s, _err) }()

	alreadyClosed, err := xsync.DoR2(ctx, &s.device.topologyLocker, func() (bool, error) {
		if s.closed {
			return true, nil
		}
		if n := len(s.children); n > 0 {
			return false, fmt.Errorf("%d sessions are still joined to %s: %w", n, s, device.ErrStatus{Status: device.StatusUndefined})
		}
		s.disjoinLocked()
		s.closed = true
		return false, nil
	})
	if err != nil || alreadyClosed {
		return err
	}

	close(s.closing)
	s.waitGroup.Wait()
	s.locker.Do(ctx, func() {
		s.deinitLocked(ctx, device.RoleDecode)
		s.deinitLocked(ctx, device.RoleEncode)
		s.deinitLocked(ctx, device.RoleVPP)
	})
	s.device.openSessions.Dec()
	return nil
}

func (s *Session) isClosed(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.device.topologyLocker, func() bool {
		return s.closed
	})
}

func (s *Session) AllocSurfaces(
	ctx context.Context,
	resp surface.AllocResponse,
) ([]*surface.Surface, error) {
	if resp.Info.FrameSize() <= 0 {
		return nil, fmt.Errorf("unable to allocate surfaces of %s", resp.Info)
	}
	result := make([]*surface.Surface, 0, resp.Count)
	for range resp.Count {
		result = append(result, surface.New(resp.Info, make([]byte, resp.Info.FrameSize()), s))
	}
	s.device.liveSurfaces.Add(int64(len(result)))
	s.device.totalAllocs.Inc()
	return result, nil
}

func (s *Session) FreeSurfaces(
	ctx context.Context,
	surfaces []*surface.Surface,
) error {
	s.device.liveSurfaces.Sub(int64(len(surfaces)))
	return nil
}

// reserve takes a slot of the shared command queue.
func (s *Session) reserve(ctx context.Context) (*queue, device.Status) {
	if s.isClosed(ctx) {
		return nil, device.StatusInvalidHandle
	}
	if takeOne(&s.device.Faults.FailNext) {
		return nil, device.StatusDeviceFailed
	}
	if takeOne(&s.device.Faults.BusyNext) {
		return nil, device.StatusDeviceBusy
	}
	q := s.currentQueue(ctx)
	if !q.tryTake() {
		return nil, device.StatusDeviceBusy
	}
	return q, device.StatusOK
}

// launch starts an operation on a reserved queue slot. The device drops
// one lock of every "held" surface ReleaseLag after the completion.
func (s *Session) launch(
	ctx context.Context,
	q *queue,
	held ...*surface.Surface,
) *syncPoint {
	sp := &syncPoint{
		id:   s.lastSyncID.Inc(),
		done: make(chan struct{}),
	}
	cfg := s.device.Config
	hang := takeOne(&s.device.Faults.HangNext)
	unlock := func() {
		for _, surf := range held {
			surf.LockDec()
		}
	}

	if !hang && cfg.Latency <= 0 && cfg.ReleaseLag <= 0 {
		sp.complete(device.StatusOK)
		q.done()
		unlock()
		return sp
	}

	s.waitGroup.Add(1)
	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		defer s.waitGroup.Done()
		defer unlock()
		if hang {
			<-s.closing
			sp.complete(device.StatusAborted)
			q.done()
			return
		}
		if !s.sleep(cfg.Latency) {
			sp.complete(device.StatusAborted)
			q.done()
			return
		}
		sp.complete(device.StatusOK)
		q.done()
		s.sleep(cfg.ReleaseLag)
	})
	return sp
}

// sleep returns false if the session got closed meanwhile.
func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.closing:
		return false
	case <-t.C:
		return true
	}
}

// unlockLater drops one lock of the surface ReleaseLag from now.
func (s *Session) unlockLater(ctx context.Context, surf *surface.Surface) {
	lag := s.device.Config.ReleaseLag
	if lag <= 0 {
		surf.LockDec()
		return
	}
	s.waitGroup.Add(1)
	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		defer s.waitGroup.Done()
		defer surf.LockDec()
		s.sleep(lag)
	})
}

func (s *Session) SyncOperation(
	ctx context.Context,
	syncPointIface device.SyncPoint,
	timeout time.Duration,
) device.Status {
	sp, ok := syncPointIface.(*syncPoint)
	if !ok || sp == nil {
		return device.StatusInvalidHandle
	}
	if timeout <= 0 {
		select {
		case <-sp.done:
			return sp.status
		default:
			return device.StatusInExecution
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-sp.done:
		return sp.status
	case <-ctx.Done():
		return device.StatusAborted
	case <-t.C:
		return device.StatusInExecution
	}
}

func (s *Session) QueryIOSurf(
	ctx context.Context,
	params device.Params,
) ([]surface.AllocRequest, error) {
	d := s.device
	switch params.Role {
	case device.RoleDecode:
		if err := validateInfo(params.Info); err != nil {
			return nil, err
		}
		num := d.Config.DecodeDelay + 1
		return []surface.AllocRequest{d.alignedInfo(surface.AllocRequest{
			Purpose:      surface.PurposeDecodeOutput,
			Info:         params.Info,
			NumMin:       num,
			NumSuggested: num + 1,
		})}, nil
	case device.RoleEncode:
		if err := validateInfo(params.Info); err != nil {
			return nil, err
		}
		num := params.BFrames + 1
		return []surface.AllocRequest{d.alignedInfo(surface.AllocRequest{
			Purpose:      surface.PurposeEncodeInput,
			Info:         params.Info,
			NumMin:       num,
			NumSuggested: num,
		})}, nil
	case device.RoleVPP:
		if err := validateInfo(params.InputInfo); err != nil {
			return nil, fmt.Errorf("invalid VPP input: %w", err)
		}
		if err := validateInfo(params.Info); err != nil {
			return nil, fmt.Errorf("invalid VPP output: %w", err)
		}
		return []surface.AllocRequest{
			d.alignedInfo(surface.AllocRequest{
				Purpose:      surface.PurposeVPPInput,
				Info:         params.InputInfo,
				NumMin:       1,
				NumSuggested: 1,
			}),
			d.alignedInfo(surface.AllocRequest{
				Purpose:      surface.PurposeVPPOutput,
				Info:         params.Info,
				NumMin:       1,
				NumSuggested: 1,
			}),
		}, nil
	default:
		return nil, device.ErrStatus{Status: device.StatusUnsupported}
	}
}

func validateInfo(info types.FrameInfo) error {
	if info.Width == 0 || info.Height == 0 {
		return fmt.Errorf("zero resolution: %w", device.ErrStatus{Status: device.StatusInvalidVideoParam})
	}
	if info.FrameSize() <= 0 {
		return fmt.Errorf("unsupported pixel format %s: %w", info.Format, device.ErrStatus{Status: device.StatusInvalidVideoParam})
	}
	return nil
}

func (s *Session) Init(
	ctx context.Context,
	params device.Params,
) (_err error) {
	logger.Debugf(ctx, "Init(ctx, %s): %s", params, s)
	defer func() { logger.Debugf(ctx, "/Init(ctx, %s): %s: %v", params, s, _err) }()
	if takeOne(&s.device.Faults.FailInitNext) {
		return device.ErrStatus{Status: device.StatusDeviceFailed}
	}
	if s.isClosed(ctx) {
		return device.ErrStatus{Status: device.StatusInvalidHandle}
	}
	return xsync.DoR1(ctx, &s.locker, func() error {
		switch params.Role {
		case device.RoleDecode:
			if s.decoder != nil {
				return fmt.Errorf("the decoder is already initialized")
			}
			if params.CodecID == device.CodecIDUndefined {
				return device.ErrStatus{Status: device.StatusInvalidVideoParam}
			}
			if err := validateInfo(params.Info); err != nil {
				return err
			}
			s.decoder = newDecoderState(params)
		case device.RoleEncode:
			if s.encoder != nil {
				return fmt.Errorf("the encoder is already initialized")
			}
			if params.CodecID == device.CodecIDUndefined {
				return device.ErrStatus{Status: device.StatusInvalidVideoParam}
			}
			if err := validateInfo(params.Info); err != nil {
				return err
			}
			s.encoder = newEncoderState(params)
		case device.RoleVPP:
			if s.vpp != nil {
				return fmt.Errorf("the VPP is already initialized")
			}
			if err := validateInfo(params.InputInfo); err != nil {
				return err
			}
			if err := validateInfo(params.Info); err != nil {
				return err
			}
			s.vpp = &vppState{params: params}
		default:
			return device.ErrStatus{Status: device.StatusUnsupported}
		}
		return nil
	})
}

func (s *Session) Reset(
	ctx context.Context,
	params device.Params,
) (_err error) {
	logger.Debugf(ctx, "Reset(ctx, %s): %s", params, s)
	defer func() { logger.Debugf(ctx, "/Reset(ctx, %s): %s: %v", params, s, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		switch params.Role {
		case device.RoleDecode:
			if s.decoder == nil {
				return device.ErrStatus{Status: device.StatusNotInitialized}
			}
			if !params.Info.Resolution.Fits(s.decoder.initial.Info.Resolution) {
				return device.ErrStatus{Status: device.StatusIncompatibleVideoParam}
			}
			s.decoder.reset(ctx, s, params)
		case device.RoleEncode:
			if s.encoder == nil {
				return device.ErrStatus{Status: device.StatusNotInitialized}
			}
			if !params.Info.Fits(s.encoder.initial.Info) {
				return device.ErrStatus{Status: device.StatusIncompatibleVideoParam}
			}
			s.encoder.reset(ctx, s, params)
		case device.RoleVPP:
			if s.vpp == nil {
				return device.ErrStatus{Status: device.StatusNotInitialized}
			}
			s.vpp.params = params
		default:
			return device.ErrStatus{Status: device.StatusUnsupported}
		}
		return nil
	})
}

func (s *Session) Deinit(
	ctx context.Context,
	role device.Role,
) (_err error) {
	logger.Debugf(ctx, "Deinit(ctx, %s): %s", role, s)
	defer func() { logger.Debugf(ctx, "/Deinit(ctx, %s): %s: %v", role, s, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		return s.deinitLocked(ctx, role)
	})
}

func (s *Session) deinitLocked(
	ctx context.Context,
	role device.Role,
) error {
	switch role {
	case device.RoleDecode:
		if s.decoder != nil {
			s.decoder.reset(ctx, s, s.decoder.params)
			s.decoder = nil
		}
	case device.RoleEncode:
		if s.encoder != nil {
			s.encoder.reset(ctx, s, s.encoder.params)
			s.encoder = nil
		}
	case device.RoleVPP:
		s.vpp = nil
	default:
		return device.ErrStatus{Status: device.StatusUnsupported}
	}
	return nil
}
