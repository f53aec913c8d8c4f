package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	for name, mutate := range map[string]func(*Options){
		"async_depth": func(opts *Options) { opts.AsyncDepth = MaxAsyncDepth + 1 },
		"max_bitrate": func(opts *Options) { opts.MaxBitrate = opts.TargetBitrate - 1 },
		"target_bitrate": func(opts *Options) {
			opts.TargetBitrate = 0
		},
		"b_frames":   func(opts *Options) { opts.BFrames = opts.GOPSize },
		"denoise":    func(opts *Options) { opts.Denoise = -1 },
		"frame_rate": func(opts *Options) { opts.FrameRate = -25 },
	} {
		t.Run(name, func(t *testing.T) {
			opts := Default()
			mutate(&opts)
			var invalid ErrInvalidOption
			require.ErrorAs(t, opts.Validate(), &invalid)
			require.Equal(t, name, invalid.Option)
		})
	}

	opts := Default()
	opts.RateControlMode = RateControlModeCQP
	opts.TargetBitrate = 0
	require.NoError(t, opts.Validate())
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{}.WithDefaults()
	require.Equal(t, uint(DefaultAsyncDepth), opts.AsyncDepth)
	require.Equal(t, DefaultBusyRetryLimit, opts.BusyRetryLimit)
	require.Equal(t, DefaultBusyRetryInterval, opts.BusyRetryInterval)
	require.Equal(t, DefaultSyncTimeout, opts.SyncTimeout)

	opts = Options{AsyncDepth: 7, SyncTimeout: time.Second}.WithDefaults()
	require.Equal(t, uint(7), opts.AsyncDepth)
	require.Equal(t, time.Second, opts.SyncTimeout)
}

func TestOptionsYAML(t *testing.T) {
	var opts Options
	require.NoError(t, yaml.Unmarshal([]byte(`
hardware: true
join_session: true
async_depth: 3
rate_control_mode: CBR
target_bitrate: 2000000
bitrate_policy: hard_reset
gop_size: 30
b_frames: 2
ref_frames: 3
sync_timeout: 250ms
`), &opts))
	require.True(t, opts.Hardware)
	require.True(t, opts.JoinSession)
	require.Equal(t, uint(3), opts.AsyncDepth)
	require.Equal(t, RateControlModeCBR, opts.RateControlMode)
	require.Equal(t, uint64(2_000_000), opts.TargetBitrate)
	require.Equal(t, BitratePolicyHardReset, opts.BitratePolicy)
	require.Equal(t, uint(30), opts.GOPSize)
	require.Equal(t, uint(2), opts.BFrames)
	require.Equal(t, uint(3), opts.RefFrames)
	require.Equal(t, 250*time.Millisecond, opts.SyncTimeout)
	require.NoError(t, opts.Validate())

	out, err := yaml.Marshal(opts)
	require.NoError(t, err)
	require.Contains(t, string(out), "rate_control_mode: cbr")
	require.Contains(t, string(out), "bitrate_policy: hard_reset")

	require.Error(t, yaml.Unmarshal([]byte(`rate_control_mode: nope`), &opts))
	require.Error(t, yaml.Unmarshal([]byte(`bitrate_policy: nope`), &opts))
}

func TestRateControlModeFromString(t *testing.T) {
	for m := RateControlModeCBR; m < endOfRateControlMode; m++ {
		parsed, err := RateControlModeFromString(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
	_, err := RateControlModeFromString("<undefined>")
	require.Error(t, err)
}
