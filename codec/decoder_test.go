package codec

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/goleak"
)

func newTestDecoder(
	t *testing.T,
	dev device.Device,
	asyncDepth uint,
	sink Sink[*Frame],
) *Decoder {
	ctx := newTestCtx(t)
	d, err := NewDecoder(ctx, DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: testOptions(asyncDepth),
		Sink:    sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(ctx) })
	return d
}

func TestDecoderOrderedOutput(t *testing.T) {
	ctx := newTestCtx(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for _, asyncDepth := range []uint{1, 2, 4} {
		t.Run("", func(t *testing.T) {
			dev := newDevice(time.Millisecond)
			sink := &frameCollector{}
			d := newTestDecoder(t, dev, asyncDepth, sink)
			require.Equal(t, StateUninitialized, d.State())

			for pts := int64(0); pts < 10; pts++ {
				require.NoError(t, d.Submit(ctx, unit(pts, pts%5 == 0, nv12(64, 48))))
				require.Equal(t, StateRunning, d.State())
			}
			stats := d.Stats(ctx)
			require.LessOrEqual(t, stats.MaxPending, int(asyncDepth))

			require.NoError(t, d.Drain(ctx))
			require.Equal(t, StateClosed, d.State())
			require.Equal(t, sequence(0, 10), sink.PTS())
			require.Equal(t, uint64(10), d.Stats(ctx).OutputUnits)
			require.Zero(t, dev.LiveSurfaces())
			require.Zero(t, dev.OpenSessions())
			require.NoError(t, d.Err())
		})
	}
}

func TestDecoderHeaderWaitsForKeyFrame(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &frameCollector{}
	d := newTestDecoder(t, newDevice(0), 2, sink)

	require.NoError(t, d.Submit(ctx, unit(0, false, nv12(64, 48))))
	require.Equal(t, StateNegotiating, d.State())

	pkt := unit(1, true, nv12(64, 48))
	half := len(pkt.Data) / 2
	require.NoError(t, d.Submit(ctx, &Packet{Data: pkt.Data[:half]}))
	require.Equal(t, StateNegotiating, d.State())
	require.NoError(t, d.Submit(ctx, &Packet{Data: pkt.Data[half:]}))
	require.Equal(t, StateRunning, d.State())

	params, ok := d.Params(ctx)
	require.True(t, ok)
	require.Equal(t, types.Resolution{Width: 64, Height: 48}, params.Info.Visible())

	require.NoError(t, d.Submit(ctx, unit(2, false, nv12(64, 48))))
	require.NoError(t, d.Drain(ctx))
	require.Equal(t, []int64{1, 2}, sink.PTS())
}

func TestDecoderBusyAndMoreSurface(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	sink := &frameCollector{}
	d := newTestDecoder(t, dev, 2, sink)

	require.NoError(t, d.Submit(ctx, unit(0, true, nv12(64, 48))))
	dev.Faults.BusyNext.Store(3)
	dev.Faults.MoreSurfaceNext.Store(2)
	for pts := int64(1); pts < 10; pts++ {
		require.NoError(t, d.Submit(ctx, unit(pts, false, nv12(64, 48))))
	}
	require.NoError(t, d.Drain(ctx))

	require.Equal(t, sequence(0, 10), sink.PTS())
	stats := d.Stats(ctx)
	require.Equal(t, uint64(3), stats.BusyRetries)
	require.Equal(t, uint64(2), stats.MoreSurfaceRetries)
}

func TestDecoderBusyLimit(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	opts := testOptions(2)
	opts.BusyRetryLimit = 3
	d, err := NewDecoder(ctx, DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: opts,
		Sink:    &frameCollector{},
	})
	require.NoError(t, err)

	require.NoError(t, d.Submit(ctx, unit(0, true, nv12(64, 48))))
	dev.Faults.BusyNext.Store(100)
	err = d.Submit(ctx, unit(1, false, nv12(64, 48)))
	var streamErr ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, device.StatusDeviceBusy, streamErr.Status)
	require.Equal(t, StateClosed, d.State())
	require.ErrorAs(t, d.Err(), &streamErr)
	<-d.CloseChan()
}

func TestDecoderRenegotiation(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	sink := &frameCollector{}
	d := newTestDecoder(t, dev, 2, sink)
	renegotiationsBefore := testutil.ToFloat64(metrics.Renegotiations.WithLabelValues(metricsKindDecode))

	for pts := int64(0); pts < 5; pts++ {
		require.NoError(t, d.Submit(ctx, unit(pts, pts == 0, nv12(64, 48))))
	}
	for pts := int64(5); pts < 10; pts++ {
		require.NoError(t, d.Submit(ctx, unit(pts, pts == 5, nv12(128, 96))))
	}
	params, ok := d.Params(ctx)
	require.True(t, ok)
	require.Equal(t, types.Resolution{Width: 128, Height: 96}, params.Info.Visible())
	require.NoError(t, d.Drain(ctx))

	require.Equal(t, sequence(0, 10), sink.PTS())
	for idx, info := range sink.infos {
		expected := types.Resolution{Width: 64, Height: 48}
		if idx >= 5 {
			expected = types.Resolution{Width: 128, Height: 96}
		}
		require.Equal(t, expected, info.Visible(), idx)
	}
	require.Equal(t, uint64(1), d.Stats(ctx).Renegotiations)
	require.Equal(t, renegotiationsBefore+1, testutil.ToFloat64(metrics.Renegotiations.WithLabelValues(metricsKindDecode)))
	require.Equal(t, 2, dev.TotalAllocations())
	require.Zero(t, dev.LiveSurfaces())
}

func TestDecoderCompatibleChange(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &frameCollector{}
	d := newTestDecoder(t, newDevice(0), 2, sink)

	require.NoError(t, d.Submit(ctx, unit(0, true, nv12(64, 48))))
	require.NoError(t, d.Submit(ctx, unit(1, true, nv12(32, 32))))
	require.NoError(t, d.Submit(ctx, unit(2, false, nv12(32, 32))))
	require.NoError(t, d.Drain(ctx))

	require.Equal(t, sequence(0, 3), sink.PTS())
	require.Equal(t, types.Resolution{Width: 32, Height: 32}, sink.infos[2].Visible())
	require.Zero(t, d.Stats(ctx).Renegotiations)
}

func TestDecoderFlush(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(20 * time.Millisecond)
	sink := &frameCollector{}
	d := newTestDecoder(t, dev, 4, sink)

	// with one unit of reordering delay the last two submissions leave
	// operations in flight
	for pts := int64(0); pts < 3; pts++ {
		require.NoError(t, d.Submit(ctx, unit(pts, pts == 0, nv12(64, 48))))
	}
	require.Empty(t, sink.PTS())
	stats := d.Stats(ctx)
	require.Equal(t, 2, stats.MaxPending)
	require.Equal(t, 2, stats.Pool.InUse)

	require.NoError(t, d.Flush(ctx))
	require.Equal(t, StateRunning, d.State())
	require.Empty(t, sink.PTS())
	require.Zero(t, d.Stats(ctx).OutputUnits)
	require.Zero(t, d.Stats(ctx).Pool.InUse)

	require.NoError(t, d.Submit(ctx, unit(10, true, nv12(64, 48))))
	require.NoError(t, d.Submit(ctx, unit(11, false, nv12(64, 48))))
	require.NoError(t, d.Drain(ctx))
	require.Equal(t, []int64{10, 11}, sink.PTS())
	require.Equal(t, uint64(2), d.Stats(ctx).OutputUnits)
}

func TestDecoderClosedAfterDrain(t *testing.T) {
	ctx := newTestCtx(t)
	d := newTestDecoder(t, newDevice(0), 2, &frameCollector{})

	require.NoError(t, d.Submit(ctx, unit(0, true, nv12(64, 48))))
	require.NoError(t, d.Drain(ctx))

	require.ErrorIs(t, d.Submit(ctx, unit(1, false, nv12(64, 48))), ErrClosed{})
	require.ErrorIs(t, d.Flush(ctx), ErrClosed{})
	require.ErrorIs(t, d.Drain(ctx), ErrClosed{})
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
}

func TestDecoderNoSurfaceAvailable(t *testing.T) {
	ctx := newTestCtx(t)
	sink := &frameCollector{hold: true}
	d := newTestDecoder(t, newDevice(0), 1, sink)

	for pts := int64(0); pts < 4; pts++ {
		require.NoError(t, d.Submit(ctx, unit(pts, pts == 0, nv12(64, 48))))
	}
	err := d.Submit(ctx, unit(4, false, nv12(64, 48)))
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.ErrorAs(t, err, &surface.ErrNoSurfaceAvailable{})
	require.Equal(t, StateRunning, d.State())
	require.Equal(t, []int64{0, 1, 2}, sink.PTS())
	require.Equal(t, uint64(1), d.Stats(ctx).NoSurfaceAvailable)

	require.NoError(t, sink.releaseAll(ctx))
	require.NoError(t, d.Submit(ctx, unit(4, false, nv12(64, 48))))
	require.NoError(t, d.Drain(ctx))
	require.Equal(t, sequence(0, 5), sink.PTS())
	require.NoError(t, sink.releaseAll(ctx))
}

func TestDecoderSyncTimeout(t *testing.T) {
	ctx := newTestCtx(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dev := newDevice(time.Millisecond)
	d := newTestDecoder(t, dev, 1, &frameCollector{})

	require.NoError(t, d.Submit(ctx, unit(0, true, nv12(64, 48))))
	dev.Faults.HangNext.Store(1)
	require.NoError(t, d.Submit(ctx, unit(1, false, nv12(64, 48))))
	err := d.Submit(ctx, unit(2, false, nv12(64, 48)))

	var streamErr ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, device.StatusInExecution, streamErr.Status)
	require.Equal(t, StateClosed, d.State())
	require.Zero(t, dev.OpenSessions())
}

func TestDecoderInitFailure(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	d := newTestDecoder(t, dev, 2, &frameCollector{})

	dev.Faults.FailInitNext.Store(1)
	err := d.Submit(ctx, unit(0, true, nv12(64, 48)))
	var streamErr ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, device.StatusDeviceFailed, streamErr.Status)
	require.Equal(t, StateClosed, d.State())
	require.Zero(t, dev.LiveSurfaces())
}

func TestNewDecoderErrors(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)

	_, err := NewDecoder(ctx, DecoderConfig{Device: dev, CodecID: device.CodecIDAV1, Options: testOptions(1), Sink: &frameCollector{}})
	require.Error(t, err)

	opts := testOptions(21)
	_, err = NewDecoder(ctx, DecoderConfig{Device: dev, CodecID: device.CodecIDH264, Options: opts, Sink: &frameCollector{}})
	require.Error(t, err)

	_, err = NewDecoder(ctx, DecoderConfig{Device: dev, CodecID: device.CodecIDH264, Options: testOptions(1)})
	require.Error(t, err)

	dev.Faults.FailOpen.Store(true)
	_, err = NewDecoder(ctx, DecoderConfig{Device: dev, CodecID: device.CodecIDH264, Options: testOptions(1), Sink: &frameCollector{}})
	require.Error(t, err)
	require.Zero(t, dev.OpenSessions())
}
