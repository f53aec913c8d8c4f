// variant_hevc.go implements the H.265/HEVC codec variant.

package codec

import (
	"context"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
)

const (
	hevcProfileMain   = 1
	hevcProfileMain10 = 2
)

type HEVC struct{}

var _ Variant = HEVC{}

func (HEVC) String() string {
	return "HEVC"
}

func (HEVC) CodecID() device.CodecID {
	return device.CodecIDHEVC
}

func (HEVC) Configure(
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
	params.Profile = hevcProfileMain
	if params.Info.Format == types.PixelFormatP010 {
		params.Profile = hevcProfileMain10
	}
	return nil
}

func (HEVC) PreInit(
	ctx context.Context,
	params *device.Params,
) error {
	if params.Role == device.RoleEncode && params.GOPSize > 0 && params.GOPSize%8 != 0 && params.BFrames > 0 {
		logger.Debugf(ctx, "HEVC GOP of %d is not a multiple of the mini-GOP, the last mini-GOP will be truncated", params.GOPSize)
	}
	return nil
}

func (HEVC) PostConfigure(
	ctx context.Context,
	params device.Params,
) error {
	logger.Debugf(ctx, "HEVC %s: profile %d", params.Role, params.Profile)
	return nil
}

func (HEVC) BitratePolicy() codectypes.BitratePolicy {
	return codectypes.BitratePolicyReset
}
