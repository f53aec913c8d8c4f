package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/device/libav"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/types"
)

func TestRead(t *testing.T) {
	cfg, err := Read(strings.NewReader(`
device:
  kind: libav
  libav:
    hardware_device_type: vaapi
    hardware_device_name: /dev/dri/renderD128
    custom_options:
      - key: preset
        value: fast
codec: hevc
input:
  frames: 10
  resolution:
    width: 640
    height: 480
  format: bgra
  frame_rate: 25
output_size:
  width: 320
  height: 240
encoder:
  hardware: true
  async_depth: 2
  rate_control_mode: cbr
  target_bitrate: 1000000
  gop_size: 30
  b_frames: 2
  ref_frames: 1
  sync_timeout: 250ms
`))
	require.NoError(t, err)

	codecID, err := cfg.CodecID()
	require.NoError(t, err)
	require.Equal(t, device.CodecIDHEVC, codecID)

	require.Equal(t, DeviceKindLibav, cfg.Device.Kind)
	require.Equal(t, types.HardwareDeviceTypeVAAPI, cfg.Device.Libav.HardwareDeviceType)
	require.Equal(t, types.HardwareDeviceName("/dev/dri/renderD128"), cfg.Device.Libav.HardwareDeviceName)
	v, ok := cfg.Device.Libav.CustomOptions.Get("preset")
	require.True(t, ok)
	require.Equal(t, "fast", v)

	require.Equal(t, uint(10), cfg.Input.Frames)
	require.Equal(t, types.PixelFormatBGRA, cfg.Input.Format)
	require.Equal(t, types.Resolution{Width: 320, Height: 240}, cfg.OutputSize)

	require.Equal(t, uint(2), cfg.Encoder.AsyncDepth)
	require.Equal(t, codectypes.RateControlModeCBR, cfg.Encoder.RateControlMode)
	require.Equal(t, 250*time.Millisecond, cfg.Encoder.SyncTimeout)

	// untouched sections keep the defaults
	require.Equal(t, codectypes.Default(), cfg.Decoder)
	require.True(t, cfg.ShareContext)

	dev, err := cfg.Device.New()
	require.NoError(t, err)
	require.IsType(t, &libav.Device{}, dev)
}

func TestReadEmpty(t *testing.T) {
	cfg, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	dev, err := cfg.Device.New()
	require.NoError(t, err)
	require.IsType(t, &simulated.Device{}, dev)
}

func TestReadInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown_key":   "codecs: h264\n",
		"unknown_codec": "codec: vp9\n",
		"no_frames":     "input:\n  frames: 0\n",
		"bad_format":    "input:\n  format: rgb24\n",
		"bad_options":   "encoder:\n  async_depth: 21\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(doc))
			require.Error(t, err)
		})
	}

	cfg := Default()
	cfg.Device.Kind = "gpu"
	_, err := cfg.Device.New()
	require.Error(t, err)
}

func TestBytes(t *testing.T) {
	cfg := Default()
	cfg.Codec = device.CodecIDMJPEG.String()
	cfg.Encoder.Denoise = 0.5

	b, err := cfg.Bytes()
	require.NoError(t, err)

	parsed, err := Read(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, cfg, parsed)
}
