package main

import (
	"context"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec/config"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/goleak"
)

func newTestCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelDebug)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { logger.Flush(ctx) })
	return ctx
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Device.Simulated.Latency = 100 * time.Microsecond
	cfg.Device.Simulated.ReleaseLag = 100 * time.Microsecond
	cfg.Input.Frames = 20
	cfg.Input.Resolution = types.Resolution{Width: 64, Height: 48}
	cfg.Encoder.GOPSize = 10
	cfg.Encoder.AsyncDepth = 2
	cfg.Decoder.AsyncDepth = 2
	return cfg
}

func TestBenchRun(t *testing.T) {
	for _, shareContext := range []bool{false, true} {
		t.Run(map[bool]string{false: "separate", true: "shared"}[shareContext], func(t *testing.T) {
			ctx := newTestCtx(t)
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			cfg := testConfig()
			cfg.ShareContext = shareContext
			dev, err := cfg.Device.New()
			require.NoError(t, err)

			result, err := NewBench(cfg, dev).Run(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(20), result.Frames)
			require.Equal(t, uint64(20), result.Packets)
			require.Equal(t, uint64(20), result.DecodedFrames)
			require.Equal(t, uint64(2), result.KeyFrames)
			require.NotZero(t, result.EncodedBytes)
			require.Equal(t, float64(30), result.FrameRate)
			require.NotEmpty(t, result.String())

			sim := dev.(*simulated.Device)
			require.Zero(t, sim.OpenSessions())
			require.Zero(t, sim.LiveSurfaces())
		})
	}
}

func TestBenchRunWithPreProcessing(t *testing.T) {
	ctx := newTestCtx(t)

	cfg := testConfig()
	cfg.Input.Format = types.PixelFormatBGRA
	cfg.OutputSize = types.Resolution{Width: 32, Height: 32}
	dev, err := cfg.Device.New()
	require.NoError(t, err)

	result, err := NewBench(cfg, dev).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20), result.DecodedFrames)
}

func TestBenchRunWithResolutionChange(t *testing.T) {
	ctx := newTestCtx(t)

	cfg := testConfig()
	cfg.Input.ResolutionChangeAt = 5
	cfg.Input.ChangedResolution = types.Resolution{Width: 96, Height: 64}
	dev, err := cfg.Device.New()
	require.NoError(t, err)

	result, err := NewBench(cfg, dev).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20), result.DecodedFrames)
	require.Equal(t, uint64(1), result.Encoder.Renegotiations)
	require.Equal(t, uint64(1), result.Decoder.Renegotiations)
}

func TestFrameGenerator(t *testing.T) {
	gen := newFrameGenerator(config.Input{
		Resolution:         types.Resolution{Width: 4, Height: 2},
		Format:             types.PixelFormatNV12,
		ResolutionChangeAt: 2,
		ChangedResolution:  types.Resolution{Width: 8, Height: 4},
	})
	f := gen.Frame(1)
	require.Equal(t, int64(1), f.PTS)
	require.Len(t, f.Data, 12)
	require.Equal(t, byte(4), f.Data[0])

	f = gen.Frame(2)
	require.Equal(t, types.Resolution{Width: 8, Height: 4}, f.Info.Resolution)
	require.Len(t, f.Data, 48)
}
