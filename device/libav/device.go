// device.go implements an accelerator on top of libav codecs.

// Package libav implements device.Device with libav codecs (through
// go-astiav), optionally bound to a libav hardware device context.
//
// libav codecs are synchronous: every operation is finished by the time
// the submission returns, so sync points are always reached and the
// surfaces are never locked by the device. The VPP role is not supported.
package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/atomic"
)

type Config struct {
	HardwareDeviceType types.HardwareDeviceType `yaml:"hardware_device_type"`
	HardwareDeviceName types.HardwareDeviceName `yaml:"hardware_device_name,omitempty"`

	// CustomOptions are passed to every opened codec.
	CustomOptions types.DictionaryItems `yaml:"custom_options,omitempty"`

	// HardwareDeviceOptions are passed to the creation of the hardware
	// device context.
	HardwareDeviceOptions types.DictionaryItems `yaml:"hardware_device_options,omitempty"`
}

type Device struct {
	Config Config

	lastSessionID atomic.Uint64
	openSessions  atomic.Int64
	liveSurfaces  atomic.Int64
}

var _ device.Device = (*Device)(nil)

func New(cfg Config) *Device {
	return &Device{Config: cfg}
}

func (d *Device) String() string {
	if d.Config.HardwareDeviceType == types.HardwareDeviceTypeNone {
		return "libav"
	}
	return fmt.Sprintf("libav(%s:%s)", d.Config.HardwareDeviceType, d.Config.HardwareDeviceName)
}

func (d *Device) OpenSession(
	ctx context.Context,
	hardware bool,
) (_ret device.Session, _err error) {
	logger.Debugf(ctx, "OpenSession(ctx, %t): %s", hardware, d)
	defer func() { logger.Debugf(ctx, "/OpenSession(ctx, %t): %s: %v %v", hardware, d, _ret, _err) }()

	var hwCtx *astiav.HardwareDeviceContext
	if hardware {
		if d.Config.HardwareDeviceType == types.HardwareDeviceTypeNone {
			return nil, fmt.Errorf("no hardware device type is configured: %w", device.ErrStatus{Status: device.StatusUnsupported})
		}
		options := dictionaryToAstiav(ctx, d.Config.HardwareDeviceOptions)
		if options != nil {
			defer options.Free()
		}
		var err error
		hwCtx, err = astiav.CreateHardwareDeviceContext(
			astiav.HardwareDeviceType(d.Config.HardwareDeviceType),
			string(d.Config.HardwareDeviceName),
			options,
			0,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to create hardware (%s:%s) device context: %w: %w",
				d.Config.HardwareDeviceType, d.Config.HardwareDeviceName, err,
				device.ErrStatus{Status: device.StatusDeviceFailed},
			)
		}
		logger.Tracef(ctx, "HardwareDeviceContext: %p", hwCtx)
	}
	return d.newSession(hwCtx, true, hardware), nil
}

func (d *Device) newSession(
	hwCtx *astiav.HardwareDeviceContext,
	ownsHWContext bool,
	hardware bool,
) *Session {
	d.openSessions.Inc()
	return &Session{
		device:        d,
		id:            d.lastSessionID.Inc(),
		hardware:      hardware,
		hwCtx:         hwCtx,
		ownsHWContext: ownsHWContext,
		children:      map[*Session]struct{}{},
	}
}

// OpenSessions returns the amount of sessions not closed yet.
func (d *Device) OpenSessions() int {
	return int(d.openSessions.Load())
}

// LiveSurfaces returns the amount of allocated and not freed surfaces.
func (d *Device) LiveSurfaces() int {
	return int(d.liveSurfaces.Load())
}

func dictionaryToAstiav(
	ctx context.Context,
	items types.DictionaryItems,
) *astiav.Dictionary {
	if len(items) == 0 {
		return nil
	}
	result := astiav.NewDictionary()
	for _, opt := range items.Deduplicate() {
		logger.Tracef(ctx, "setting custom option: %s=%s", opt.Key, opt.Value)
		if err := result.Set(opt.Key, opt.Value, 0); err != nil {
			logger.Errorf(ctx, "unable to set option %s=%s: %v", opt.Key, opt.Value, err)
		}
	}
	return result
}
