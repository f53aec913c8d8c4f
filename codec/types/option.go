// option.go defines the options recognized by decoders and encoders.

// Package types provides the configuration types of codecs.
package types

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	globaltypes "github.com/xaionaro-go/hwcodec/types"
)

const (
	MinAsyncDepth = 1
	MaxAsyncDepth = 20

	DefaultAsyncDepth        = 4
	DefaultGOPSize           = 60
	DefaultBusyRetryLimit    = 1000
	DefaultBusyRetryInterval = time.Millisecond
	DefaultSyncTimeout       = 500 * time.Millisecond
)

// Options are the recognized codec options. All of them may be changed
// only while the codec is idle, except the bitrate family (RateControlMode,
// TargetBitrate, MaxBitrate) which encoders accept while running.
type Options struct {
	Hardware           bool                           `yaml:"hardware"`
	HardwareDeviceType globaltypes.HardwareDeviceType `yaml:"hardware_device_type,omitempty"`
	HardwareDeviceName globaltypes.HardwareDeviceName `yaml:"hardware_device_name,omitempty"`

	// JoinSession makes the codec fork a joined session of a discovered
	// context instead of sharing the session itself.
	JoinSession bool `yaml:"join_session"`

	AsyncDepth uint `yaml:"async_depth"`

	RateControlMode RateControlMode `yaml:"rate_control_mode"`
	TargetBitrate   uint64          `yaml:"target_bitrate"`
	MaxBitrate      uint64          `yaml:"max_bitrate,omitempty"`
	BitratePolicy   BitratePolicy   `yaml:"bitrate_policy,omitempty"`
	QP              uint8           `yaml:"qp,omitempty"`
	GOPSize         uint            `yaml:"gop_size"`
	BFrames         uint            `yaml:"b_frames"`
	RefFrames       uint            `yaml:"ref_frames"`

	// FrameRate is the nominal rate of the encoded stream (0 lets the
	// device pick one).
	FrameRate float64 `yaml:"frame_rate,omitempty"`

	// Denoise enables the denoising filter of the pre-processing stage.
	Denoise float64 `yaml:"denoise,omitempty"`

	BusyRetryLimit       int           `yaml:"busy_retry_limit,omitempty"`
	BusyRetryInterval    time.Duration `yaml:"busy_retry_interval,omitempty"`
	SurfaceRetryInterval time.Duration `yaml:"surface_retry_interval,omitempty"`
	SurfaceMaxWait       time.Duration `yaml:"surface_max_wait,omitempty"`
	SyncTimeout          time.Duration `yaml:"sync_timeout,omitempty"`
}

func Default() Options {
	return Options{
		Hardware:          true,
		AsyncDepth:        DefaultAsyncDepth,
		RateControlMode:   RateControlModeVBR,
		TargetBitrate:     4_000_000,
		GOPSize:           DefaultGOPSize,
		BusyRetryLimit:    DefaultBusyRetryLimit,
		BusyRetryInterval: DefaultBusyRetryInterval,
		SyncTimeout:       DefaultSyncTimeout,
	}
}

func (opts Options) String() string {
	kind := "software"
	if opts.Hardware {
		kind = "hardware"
	}
	return fmt.Sprintf("%s(async_depth:%d; %s %sbps; gop:%d; b:%d; ref:%d)",
		kind,
		opts.AsyncDepth,
		opts.RateControlMode,
		humanize.SIWithDigits(float64(opts.TargetBitrate), 1, ""),
		opts.GOPSize,
		opts.BFrames,
		opts.RefFrames,
	)
}

// ErrInvalidOption is returned by Validate.
type ErrInvalidOption struct {
	Option string
	Reason string
}

func (e ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option '%s': %s", e.Option, e.Reason)
}

func (opts Options) Validate() error {
	if opts.AsyncDepth < MinAsyncDepth || opts.AsyncDepth > MaxAsyncDepth {
		return ErrInvalidOption{
			Option: "async_depth",
			Reason: fmt.Sprintf("%d is out of range [%d, %d]", opts.AsyncDepth, MinAsyncDepth, MaxAsyncDepth),
		}
	}
	if opts.MaxBitrate != 0 && opts.MaxBitrate < opts.TargetBitrate {
		return ErrInvalidOption{
			Option: "max_bitrate",
			Reason: fmt.Sprintf("%d is less than target_bitrate %d", opts.MaxBitrate, opts.TargetBitrate),
		}
	}
	if opts.RateControlMode != RateControlModeCQP && opts.TargetBitrate == 0 {
		return ErrInvalidOption{
			Option: "target_bitrate",
			Reason: fmt.Sprintf("must be set for rate control mode %s", opts.RateControlMode),
		}
	}
	if opts.BFrames > 0 && opts.GOPSize != 0 && opts.BFrames >= opts.GOPSize {
		return ErrInvalidOption{
			Option: "b_frames",
			Reason: fmt.Sprintf("%d does not fit into a GOP of %d", opts.BFrames, opts.GOPSize),
		}
	}
	if opts.FrameRate < 0 {
		return ErrInvalidOption{Option: "frame_rate", Reason: "must not be negative"}
	}
	if opts.Denoise < 0 {
		return ErrInvalidOption{Option: "denoise", Reason: "must not be negative"}
	}
	return nil
}

// WithDefaults fills the unset tuning knobs.
func (opts Options) WithDefaults() Options {
	if opts.AsyncDepth == 0 {
		opts.AsyncDepth = DefaultAsyncDepth
	}
	if opts.BusyRetryLimit <= 0 {
		opts.BusyRetryLimit = DefaultBusyRetryLimit
	}
	if opts.BusyRetryInterval <= 0 {
		opts.BusyRetryInterval = DefaultBusyRetryInterval
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	return opts
}
