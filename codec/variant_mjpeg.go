// variant_mjpeg.go implements the Motion JPEG codec variant.

package codec

import (
	"context"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
)

const mjpegDefaultQuality = 75

// MJPEG has no inter-frame prediction: every frame is a keyframe and the
// rate is controlled by the quality only.
type MJPEG struct{}

var _ Variant = MJPEG{}

func (MJPEG) String() string {
	return "MJPEG"
}

func (MJPEG) CodecID() device.CodecID {
	return device.CodecIDMJPEG
}

func (MJPEG) Configure(
	ctx context.Context,
	opts codectypes.Options,
	params *device.Params,
) error {
	if err := configureCommon(opts, params); err != nil {
		return err
	}
	if params.Role != device.RoleEncode {
		return nil
	}
	params.RateControl = device.RateControlCQP
	params.GOPSize = 1
	params.BFrames = 0
	params.RefFrames = 0
	if params.QP == 0 {
		params.QP = mjpegDefaultQuality
	}
	return nil
}

func (MJPEG) PreInit(
	ctx context.Context,
	params *device.Params,
) error {
	return nil
}

func (MJPEG) PostConfigure(
	ctx context.Context,
	params device.Params,
) error {
	logger.Debugf(ctx, "MJPEG %s: quality %d", params.Role, params.QP)
	return nil
}

// BitratePolicy is a hard reset: the quality table is baked into the
// session at initialization.
func (MJPEG) BitratePolicy() codectypes.BitratePolicy {
	return codectypes.BitratePolicyHardReset
}
