// variant_h264.go implements the H.264/AVC codec variant.

package codec

import (
	"context"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
)

const (
	h264ProfileMain = 77
	h264ProfileHigh = 100
	h264MaxRefs     = 16
)

type H264 struct{}

var _ Variant = H264{}

func (H264) String() string {
	return "H264"
}

func (H264) CodecID() device.CodecID {
	return device.CodecIDH264
}

func (H264) Configure(
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
	params.Profile = h264ProfileMain
	if params.BFrames > 0 || params.RefFrames > 1 {
		params.Profile = h264ProfileHigh
	}
	params.Level = h264Level(params.Info.Visible().Width, params.Info.Visible().Height)
	return nil
}

func h264Level(w, h uint32) int {
	macroblocks := ((w + 15) / 16) * ((h + 15) / 16)
	switch {
	case macroblocks <= 1620:
		return 30
	case macroblocks <= 3600:
		return 31
	case macroblocks <= 8192:
		return 41
	case macroblocks <= 22080:
		return 51
	default:
		return 52
	}
}

func (H264) PreInit(
	ctx context.Context,
	params *device.Params,
) error {
	if params.RefFrames > h264MaxRefs {
		logger.Warnf(ctx, "H264 supports up to %d reference frames, lowering %d", h264MaxRefs, params.RefFrames)
		params.RefFrames = h264MaxRefs
	}
	if params.Role == device.RoleEncode && params.RefFrames > 0 && params.BFrames >= params.RefFrames+1 {
		return fmt.Errorf("%d B-frames need more than %d reference frames", params.BFrames, params.RefFrames)
	}
	return nil
}

func (H264) PostConfigure(
	ctx context.Context,
	params device.Params,
) error {
	logger.Debugf(ctx, "H264 %s: profile %d, level %d", params.Role, params.Profile, params.Level)
	return nil
}

func (H264) BitratePolicy() codectypes.BitratePolicy {
	return codectypes.BitratePolicyReset
}
