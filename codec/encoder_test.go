package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/goleak"
)

func newTestEncoder(
	t *testing.T,
	dev device.Device,
	codecID device.CodecID,
	opts codectypes.Options,
	sink Sink[*Packet],
	codecOpts ...Option,
) *Encoder {
	ctx := newTestCtx(t)
	e, err := NewEncoder(ctx, EncoderConfig{
		Device:  dev,
		CodecID: codecID,
		Options: opts,
		Sink:    sink,
	}, codecOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func TestEncoderFrameTypes(t *testing.T) {
	ctx := newTestCtx(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dev := newDevice(time.Millisecond)
	opts := testOptions(2)
	opts.GOPSize = 4
	opts.BFrames = 1
	sink := &packetCollector{}
	e := newTestEncoder(t, dev, device.CodecIDH264, opts, sink)

	for pts := int64(0); pts < 8; pts++ {
		require.NoError(t, e.Submit(ctx, rawFrame(pts, nv12(64, 48))))
	}
	require.False(t, e.HasPreProcessing(ctx))
	require.NoError(t, e.Drain(ctx))

	require.Equal(t, sequence(0, 8), sink.PTS())
	require.Equal(t, []device.FrameType{
		device.FrameTypeIDR, device.FrameTypeB, device.FrameTypeP, device.FrameTypeB,
		device.FrameTypeIDR, device.FrameTypeB, device.FrameTypeP, device.FrameTypeB,
	}, sink.FrameTypes())
	stats := e.Stats(ctx)
	require.Equal(t, uint64(8), stats.OutputUnits)
	require.Equal(t, uint64(2), stats.KeyFrames)
	require.LessOrEqual(t, stats.MaxPending, 2)
	require.Zero(t, dev.LiveSurfaces())
	require.Zero(t, dev.OpenSessions())
}

func TestEncoderForceKeyFrame(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &packetCollector{}
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(2), sink)

	for pts := int64(0); pts < 4; pts++ {
		f := rawFrame(pts, nv12(64, 48))
		f.ForceKeyFrame = pts == 2
		require.NoError(t, e.Submit(ctx, f))
	}
	require.NoError(t, e.Drain(ctx))
	require.Equal(t, []device.FrameType{
		device.FrameTypeIDR, device.FrameTypeP, device.FrameTypeIDR, device.FrameTypeP,
	}, sink.FrameTypes())
}

func TestEncoderUploadsVisibleRows(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &packetCollector{}
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(1), sink)

	f := rawFrame(0, nv12(40, 30))
	require.NoError(t, e.Submit(ctx, f))
	require.NoError(t, e.Drain(ctx))

	pkts := sink.Packets()
	require.Len(t, pkts, 1)
	hdr, payload, _, err := simulated.ParseUnit(pkts[0].Data)
	require.NoError(t, err)
	require.Equal(t, types.Resolution{Width: 40, Height: 30}, hdr.Info.Visible())

	// the surface is aligned to 48x32, the first luma row is copied as is
	require.Greater(t, len(payload), 40)
	require.Equal(t, f.Data[:40], payload[:40])
	require.Equal(t, f.Data[40:80], payload[48:88])
}

func TestEncoderPreProcessing(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &packetCollector{}
	e := newTestEncoder(
		t, newDevice(0), device.CodecIDH264, testOptions(2), sink,
		OptionOutputSize(types.Resolution{Width: 32, Height: 32}),
	)

	info := types.FrameInfo{
		Resolution: types.Resolution{Width: 60, Height: 40},
		Format:     types.PixelFormatBGRA,
	}
	for pts := int64(0); pts < 3; pts++ {
		require.NoError(t, e.Submit(ctx, rawFrame(pts, info)))
	}
	require.True(t, e.HasPreProcessing(ctx))
	params, ok := e.Params(ctx)
	require.True(t, ok)
	require.Equal(t, types.PixelFormatNV12, params.Info.Format)
	require.NoError(t, e.Drain(ctx))

	require.Equal(t, sequence(0, 3), sink.PTS())
	for _, pkt := range sink.Packets() {
		hdr, _, _, err := simulated.ParseUnit(pkt.Data)
		require.NoError(t, err)
		require.Equal(t, types.PixelFormatNV12, hdr.Info.Format)
		require.Equal(t, types.Resolution{Width: 32, Height: 32}, hdr.Info.Visible())
	}
}

func TestEncoderPreProcessingHang(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	e := newTestEncoder(t, dev, device.CodecIDH264, testOptions(2), &packetCollector{})

	info := types.FrameInfo{
		Resolution: types.Resolution{Width: 64, Height: 48},
		Format:     types.PixelFormatBGRA,
	}
	dev.Faults.HangNext.Store(1)
	start := time.Now()
	err := e.Submit(ctx, rawFrame(0, info))

	var streamErr ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "vpp sync", streamErr.Op)
	require.Equal(t, device.StatusInExecution, streamErr.Status)
	require.GreaterOrEqual(t, time.Since(start), testOptions(2).SyncTimeout)
	require.Equal(t, StateClosed, e.State())
	require.Zero(t, dev.OpenSessions())
}

func TestEncoderLayoutChange(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	sink := &packetCollector{}
	e := newTestEncoder(t, dev, device.CodecIDH264, testOptions(2), sink)

	for pts := int64(0); pts < 3; pts++ {
		require.NoError(t, e.Submit(ctx, rawFrame(pts, nv12(64, 48))))
	}
	for pts := int64(3); pts < 6; pts++ {
		require.NoError(t, e.Submit(ctx, rawFrame(pts, nv12(32, 32))))
	}
	require.NoError(t, e.Drain(ctx))

	require.Equal(t, sequence(0, 6), sink.PTS())
	require.Equal(t, uint64(1), e.Stats(ctx).Renegotiations)
	pkts := sink.Packets()
	require.Equal(t, device.FrameTypeIDR, pkts[3].FrameType)
	hdr, _, _, err := simulated.ParseUnit(pkts[3].Data)
	require.NoError(t, err)
	require.Equal(t, types.Resolution{Width: 32, Height: 32}, hdr.Info.Visible())
	require.Equal(t, 2, dev.TotalAllocations())
	require.Zero(t, dev.LiveSurfaces())
}

func TestEncoderFlush(t *testing.T) {
	ctx := newTestCtx(t)
	opts := testOptions(2)
	opts.BFrames = 2
	sink := &packetCollector{}
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, opts, sink)

	require.NoError(t, e.Submit(ctx, rawFrame(0, nv12(64, 48))))
	require.NoError(t, e.Submit(ctx, rawFrame(1, nv12(64, 48))))
	require.Empty(t, sink.Packets())

	require.NoError(t, e.Flush(ctx))
	require.Equal(t, StateRunning, e.State())

	require.NoError(t, e.Submit(ctx, rawFrame(10, nv12(64, 48))))
	require.NoError(t, e.Drain(ctx))
	require.Equal(t, []int64{10}, sink.PTS())
	require.Equal(t, []device.FrameType{device.FrameTypeIDR}, sink.FrameTypes())
}

func TestEncoderDeviceFailure(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	e := newTestEncoder(t, dev, device.CodecIDH264, testOptions(2), &packetCollector{})

	dev.Faults.FailNext.Store(1)
	err := e.Submit(ctx, rawFrame(0, nv12(64, 48)))
	var streamErr ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, device.StatusDeviceFailed, streamErr.Status)
	require.Equal(t, StateClosed, e.State())
	require.ErrorIs(t, e.Submit(ctx, rawFrame(1, nv12(64, 48))), ErrClosed{})
	require.Zero(t, dev.LiveSurfaces())
	require.Zero(t, dev.OpenSessions())
}

func TestEncoderRejectsShortFrame(t *testing.T) {
	ctx := newTestCtx(t)
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(2), &packetCollector{})

	f := rawFrame(0, nv12(64, 48))
	f.Data = f.Data[:10]
	require.Error(t, e.Submit(ctx, f))
	require.Equal(t, StateUninitialized, e.State())
}

func TestEncoderSetBitrateReset(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &packetCollector{}
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(2), sink)

	require.NoError(t, e.SetBitrate(ctx, BitrateChange{TargetBitrate: 3_000_000}))
	require.Equal(t, uint64(3_000_000), e.Options(ctx).TargetBitrate)

	require.NoError(t, e.Submit(ctx, rawFrame(0, nv12(64, 48))))
	require.NoError(t, e.SetBitrate(ctx, BitrateChange{TargetBitrate: 2_000_000}))
	require.Equal(t, uint64(3_000_000), e.Options(ctx).TargetBitrate)

	require.NoError(t, e.Submit(ctx, rawFrame(1, nv12(64, 48))))
	require.Equal(t, uint64(2_000_000), e.Options(ctx).TargetBitrate)
	params, ok := e.Params(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2_000_000), params.TargetBitrate)

	stats := e.Stats(ctx)
	require.Equal(t, uint64(1), stats.BitrateChanges)
	require.Zero(t, stats.Renegotiations)
	require.NoError(t, e.Drain(ctx))
	require.Equal(t, sequence(0, 2), sink.PTS())
}

func TestEncoderSetBitrateHardReset(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &packetCollector{}
	e := newTestEncoder(t, newDevice(0), device.CodecIDMJPEG, testOptions(2), sink)

	require.NoError(t, e.Submit(ctx, rawFrame(0, nv12(64, 48))))
	require.NoError(t, e.SetBitrate(ctx, BitrateChange{TargetBitrate: 2_000_000}))
	require.NoError(t, e.Submit(ctx, rawFrame(1, nv12(64, 48))))

	stats := e.Stats(ctx)
	require.Equal(t, uint64(1), stats.BitrateChanges)
	require.Equal(t, uint64(1), stats.Renegotiations)
	require.NoError(t, e.Drain(ctx))
	require.Equal(t, sequence(0, 2), sink.PTS())
	require.Equal(t, []device.FrameType{device.FrameTypeIDR, device.FrameTypeIDR}, sink.FrameTypes())
}

func TestEncoderSetBitrateInvalid(t *testing.T) {
	ctx := newTestCtx(t)
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(2), &packetCollector{})

	require.NoError(t, e.Submit(ctx, rawFrame(0, nv12(64, 48))))
	err := e.SetBitrate(ctx, BitrateChange{MaxBitrate: 1000})
	require.ErrorAs(t, err, &codectypes.ErrInvalidOption{})
	require.Equal(t, StateRunning, e.State())
	require.NoError(t, e.Submit(ctx, rawFrame(1, nv12(64, 48))))
	require.Zero(t, e.Stats(ctx).BitrateChanges)
}
