// variant.go defines the per-codec specializations of the driver loop.

package codec

import (
	"context"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
)

// Variant is what differs between codecs on top of the common driver loop.
type Variant interface {
	fmt.Stringer
	CodecID() device.CodecID

	// Configure translates the options into the device parameters.
	Configure(ctx context.Context, opts codectypes.Options, params *device.Params) error

	// PreInit is the last chance to adjust the parameters before the
	// device session is initialized.
	PreInit(ctx context.Context, params *device.Params) error

	// PostConfigure is called once the device session is initialized.
	PostConfigure(ctx context.Context, params device.Params) error

	// BitratePolicy tells how a runtime bitrate change is applied when
	// the options do not enforce a policy.
	BitratePolicy() codectypes.BitratePolicy
}

func VariantByCodecID(codecID device.CodecID) (Variant, error) {
	switch codecID {
	case device.CodecIDH264:
		return H264{}, nil
	case device.CodecIDHEVC:
		return HEVC{}, nil
	case device.CodecIDMJPEG:
		return MJPEG{}, nil
	default:
		return nil, fmt.Errorf("codec %s is not supported", codecID)
	}
}

func rateControlMethod(mode codectypes.RateControlMode) (device.RateControlMethod, error) {
	switch mode {
	case codectypes.RateControlModeCBR:
		return device.RateControlCBR, nil
	case codectypes.RateControlModeVBR:
		return device.RateControlVBR, nil
	case codectypes.RateControlModeCQP:
		return device.RateControlCQP, nil
	case codectypes.RateControlModeAVBR:
		return device.RateControlAVBR, nil
	default:
		return device.RateControlUndefined, fmt.Errorf("unknown rate control mode %s", mode)
	}
}

// configureCommon fills the parameters every codec understands.
func configureCommon(
	opts codectypes.Options,
	params *device.Params,
) error {
	params.AsyncDepth = int(opts.AsyncDepth)
	if params.Role != device.RoleEncode {
		return nil
	}
	method, err := rateControlMethod(opts.RateControlMode)
	if err != nil {
		return err
	}
	params.RateControl = method
	params.TargetBitrate = opts.TargetBitrate
	params.MaxBitrate = opts.MaxBitrate
	if method == device.RateControlCBR {
		params.MaxBitrate = opts.TargetBitrate
	}
	params.QP = opts.QP
	params.GOPSize = int(opts.GOPSize)
	params.BFrames = int(opts.BFrames)
	params.RefFrames = int(opts.RefFrames)
	params.FrameRate = opts.FrameRate
	return nil
}
