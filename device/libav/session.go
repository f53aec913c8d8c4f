// session.go implements the session lifecycle and the role management.

package libav

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Session struct {
	device   *Device
	id       uint64
	hardware bool

	hwCtx         *astiav.HardwareDeviceContext
	ownsHWContext bool

	locker     xsync.Mutex
	parent     *Session
	children   map[*Session]struct{}
	closed     bool
	lastSyncID atomic.Uint64

	decoder *decoderState
	encoder *encoderState

	// parked is a decoder not initialized for the role: the one opened by
	// DecodeHeader, or the one kept across Deinit to go on with the stream.
	parked *decoderState

	// carry are the decoded frames that did not fit the surfaces of a
	// deinitialized decoder; the next decoder outputs them first.
	carry []*astiav.Frame
}

var _ device.Session = (*Session)(nil)

func (s *Session) String() string {
	return fmt.Sprintf("libav-session-%d", s.id)
}

func (s *Session) IsHardware() bool {
	return s.hardware
}

// Clone opens a session sharing the hardware device context.
func (s *Session) Clone(ctx context.Context) (device.Session, error) {
	return xsync.DoR2(ctx, &s.locker, func() (device.Session, error) {
		if s.closed {
			return nil, device.ErrStatus{Status: device.StatusInvalidHandle}
		}
		return s.device.newSession(s.hwCtx, false, s.hardware), nil
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
	if c.device != s.device || c.hardware != s.hardware || c.hwCtx != s.hwCtx {
		return device.ErrStatus{Status: device.StatusUnsupported}
	}
	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.closed {
			return device.ErrStatus{Status: device.StatusInvalidHandle}
		}
		if c.parent != nil {
			return fmt.Errorf("%s is already joined to %s", c, c.parent)
		}
		c.parent = s
		s.children[c] = struct{}{}
		return nil
	})
}

func (s *Session) Disjoin(ctx context.Context) error {
	parent := s.parent
	if parent == nil {
		return nil
	}
	parent.locker.Do(ctx, func() {
		delete(parent.children, s)
	})
	s.parent = nil
	return nil
}

func (s *Session) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", s)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", s, _err) }()

	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.closed {
			return nil
		}
		if n := len(s.children); n > 0 {
			return fmt.Errorf("%d sessions still share the device context of %s: %w", n, s, device.ErrStatus{Status: device.StatusUndefined})
		}
		s.closed = true
		s.deinitDecoderLocked(ctx, false)
		s.deinitEncoderLocked(ctx)
		if s.hwCtx != nil && s.ownsHWContext {
			s.hwCtx.Free()
		}
		s.hwCtx = nil
		s.device.openSessions.Dec()
		return nil
	})
}

// AllocSurfaces allocates the surfaces in the system memory: libav
// frames are converted from/to them on every operation.
func (s *Session) AllocSurfaces(
	ctx context.Context,
	resp surface.AllocResponse,
) ([]*surface.Surface, error) {
	size := resp.Info.FrameSize()
	if size <= 0 {
		return nil, fmt.Errorf("unable to allocate surfaces of %s", resp.Info)
	}
	result := make([]*surface.Surface, 0, resp.Count)
	for range resp.Count {
		result = append(result, surface.New(resp.Info, make([]byte, size), s))
	}
	s.device.liveSurfaces.Add(int64(len(result)))
	return result, nil
}

func (s *Session) FreeSurfaces(
	ctx context.Context,
	surfaces []*surface.Surface,
) error {
	s.device.liveSurfaces.Sub(int64(len(surfaces)))
	return nil
}

func (s *Session) QueryIOSurf(
	ctx context.Context,
	params device.Params,
) ([]surface.AllocRequest, error) {
	if err := validateInfo(params.Info); err != nil {
		return nil, err
	}
	info := params.Info
	if info.Crop.Width == 0 || info.Crop.Height == 0 {
		info.Crop = info.Resolution
	}
	switch params.Role {
	case device.RoleDecode:
		return []surface.AllocRequest{{
			Purpose:      surface.PurposeDecodeOutput,
			Info:         info,
			NumMin:       1,
			NumSuggested: 2,
		}}, nil
	case device.RoleEncode:
		return []surface.AllocRequest{{
			Purpose:      surface.PurposeEncodeInput,
			Info:         info,
			NumMin:       1,
			NumSuggested: 1,
		}}, nil
	default:
		return nil, device.ErrStatus{Status: device.StatusUnsupported}
	}
}

func validateInfo(info types.FrameInfo) error {
	if info.Width == 0 || info.Height == 0 {
		return fmt.Errorf("zero resolution: %w", device.ErrStatus{Status: device.StatusInvalidVideoParam})
	}
	if _, err := pixelFormatToAstiav(info.Format); err != nil {
		return fmt.Errorf("%w: %w", err, device.ErrStatus{Status: device.StatusInvalidVideoParam})
	}
	return nil
}

func (s *Session) Init(
	ctx context.Context,
	params device.Params,
) (_err error) {
	logger.Debugf(ctx, "Init(ctx, %s): %s", params, s)
	defer func() { logger.Debugf(ctx, "/Init(ctx, %s): %s: %v", params, s, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.closed {
			return device.ErrStatus{Status: device.StatusInvalidHandle}
		}
		switch params.Role {
		case device.RoleDecode:
			if s.decoder != nil {
				return fmt.Errorf("the decoder is already initialized")
			}
			st := s.parked
			s.parked = nil
			if st != nil && st.codecID != params.CodecID {
				s.carry = append(s.carry, st.carry...)
				st.carry = nil
				st.free()
				st = nil
			}
			if st == nil {
				var err error
				st, err = s.newDecoderState(ctx, params.CodecID)
				if err != nil {
					return err
				}
			}
			st.params = params
			st.carry = append(s.carry, st.carry...)
			s.carry = nil
			s.decoder = st
		case device.RoleEncode:
			if s.encoder != nil {
				return fmt.Errorf("the encoder is already initialized")
			}
			st, err := s.newEncoderState(ctx, params)
			if err != nil {
				return err
			}
			s.encoder = st
		default:
			return device.ErrStatus{Status: device.StatusUnsupported}
		}
		return nil
	})
}

// Reset reopens the codec: libav has no way to re-apply the parameters
// to an opened codec.
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
			if !params.Info.Resolution.Fits(s.decoder.params.Info.Resolution) {
				return device.ErrStatus{Status: device.StatusIncompatibleVideoParam}
			}
			s.deinitDecoderLocked(ctx, false)
			st, err := s.newDecoderState(ctx, params.CodecID)
			if err != nil {
				return err
			}
			st.params = params
			s.decoder = st
		case device.RoleEncode:
			if s.encoder == nil {
				return device.ErrStatus{Status: device.StatusNotInitialized}
			}
			if !params.Info.Fits(s.encoder.params.Info) {
				return device.ErrStatus{Status: device.StatusIncompatibleVideoParam}
			}
			s.deinitEncoderLocked(ctx)
			st, err := s.newEncoderState(ctx, params)
			if err != nil {
				return err
			}
			s.encoder = st
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
		switch role {
		case device.RoleDecode:
			s.deinitDecoderLocked(ctx, true)
		case device.RoleEncode:
			s.deinitEncoderLocked(ctx)
		default:
			return device.ErrStatus{Status: device.StatusUnsupported}
		}
		return nil
	})
}

func (s *Session) RunFrameVPPAsync(
	ctx context.Context,
	in, out *surface.Surface,
) (device.SyncPoint, device.Status) {
	return nil, device.StatusUnsupported
}

type syncPoint struct {
	id     uint64
	status device.Status
}

func (sp *syncPoint) String() string {
	return fmt.Sprintf("libav-sync-point-%d", sp.id)
}

func (s *Session) newSyncPoint(status device.Status) *syncPoint {
	return &syncPoint{id: s.lastSyncID.Inc(), status: status}
}

// SyncOperation returns immediately: the operations are finished by the
// time they are submitted.
func (s *Session) SyncOperation(
	ctx context.Context,
	sp device.SyncPoint,
	timeout time.Duration,
) device.Status {
	p, ok := sp.(*syncPoint)
	if !ok || p == nil {
		return device.StatusInvalidHandle
	}
	return p.status
}
