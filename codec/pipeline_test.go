package codec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/goleak"
)

// transcodePair builds an encoder feeding a decoder through a registry.
func transcodePair(
	t *testing.T,
	dev device.Device,
	joinSession bool,
	frames *frameCollector,
) (*Encoder, *Decoder) {
	ctx := newTestCtx(t)
	registry := session.NewRegistry()

	var dec *Decoder
	enc := newTestEncoder(
		t, dev, device.CodecIDH264, testOptions(2),
		SinkFunc[*Packet](func(ctx context.Context, pkt *Packet) error {
			return dec.Submit(ctx, pkt)
		}),
		OptionRegistry{Registry: registry},
	)

	decOpts := testOptions(2)
	decOpts.JoinSession = joinSession
	var err error
	dec, err = NewDecoder(ctx, DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: decOpts,
		Sink:    frames,
	}, OptionRegistry{Registry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dec.Close(ctx) })
	return enc, dec
}

func TestPipelineSharedContext(t *testing.T) {
	ctx := newTestCtx(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dev := newDevice(time.Millisecond)
	frames := &frameCollector{}
	enc, dec := transcodePair(t, dev, false, frames)

	require.Same(t, enc.Context(), dec.Context())
	require.Equal(t, types.JobTypeEncode|types.JobTypeDecode, enc.Context().JobType(ctx))
	require.Equal(t, 4, enc.Context().SharedAsyncDepth(ctx))
	require.Equal(t, 1, dev.OpenSessions())

	for pts := int64(0); pts < 10; pts++ {
		require.NoError(t, enc.Submit(ctx, rawFrame(pts, nv12(64, 48))))
	}
	require.NoError(t, enc.Drain(ctx))
	require.False(t, dec.Context().IsClosed(ctx))
	require.NoError(t, dec.Drain(ctx))

	require.Equal(t, sequence(0, 10), frames.PTS())
	require.True(t, enc.Context().IsClosed(ctx))
	require.Zero(t, dev.OpenSessions())
	require.Zero(t, dev.LiveSurfaces())
}

func TestPipelineJoinedSessions(t *testing.T) {
	ctx := newTestCtx(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dev := newDevice(time.Millisecond)
	frames := &frameCollector{}
	enc, dec := transcodePair(t, dev, true, frames)

	require.NotSame(t, enc.Context(), dec.Context())
	require.Same(t, enc.Context(), dec.Context().Parent())
	require.Equal(t, 2, dev.OpenSessions())
	require.Equal(t, 4, dec.Context().SharedAsyncDepth(ctx))

	for pts := int64(0); pts < 10; pts++ {
		require.NoError(t, enc.Submit(ctx, rawFrame(pts, nv12(64, 48))))
	}
	require.ErrorAs(t, enc.Context().Close(ctx), &session.ErrJoinedChildrenAlive{})
	require.False(t, dec.Context().IsClosed(ctx))
	require.NotNil(t, dec.Context().Session(ctx))
	require.NoError(t, enc.Drain(ctx))

	// the parent outlives the encoder while the joined decoder is alive
	require.False(t, enc.Context().IsClosed(ctx))
	require.Equal(t, 2, dev.OpenSessions())

	require.NoError(t, dec.Drain(ctx))
	require.Equal(t, sequence(0, 10), frames.PTS())
	require.True(t, enc.Context().IsClosed(ctx))
	require.Zero(t, dev.OpenSessions())
}

func TestPipelineJoinRejected(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	dev.Faults.RejectJoin.Store(true)
	registry := session.NewRegistry()

	enc := newTestEncoder(
		t, dev, device.CodecIDH264, testOptions(2), &packetCollector{},
		OptionRegistry{Registry: registry},
	)

	decOpts := testOptions(2)
	decOpts.JoinSession = true
	_, err := NewDecoder(ctx, DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: decOpts,
		Sink:    &frameCollector{},
	}, OptionRegistry{Registry: registry})
	require.ErrorAs(t, err, &session.ErrSessionJoin{})
	require.Equal(t, 1, dev.OpenSessions())

	require.NoError(t, enc.Submit(ctx, rawFrame(0, nv12(64, 48))))
	require.NoError(t, enc.Drain(ctx))
	require.Zero(t, dev.OpenSessions())
}

func TestPipelineExplicitContext(t *testing.T) {
	ctx := newTestCtx(t)
	dev := newDevice(0)
	c, err := session.Open(ctx, dev, true, types.JobTypeNone)
	require.NoError(t, err)

	frames := &frameCollector{}
	dec, err := NewDecoder(ctx, DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: testOptions(2),
		Sink:    frames,
	}, OptionContext{Context: c})
	require.NoError(t, err)
	require.Same(t, c, dec.Context())
	require.True(t, c.JobType(ctx).Has(types.JobTypeDecode))

	require.NoError(t, dec.Submit(ctx, unit(0, true, nv12(64, 48))))
	require.NoError(t, dec.Drain(ctx))
	require.Equal(t, []int64{0}, frames.PTS())

	// the caller still holds its own reference
	require.False(t, c.IsClosed(ctx))
	require.Equal(t, 1, dev.OpenSessions())
	require.NoError(t, c.Release(ctx))
	require.Zero(t, dev.OpenSessions())
}

func TestChanSink(t *testing.T) {
	ctx := newTestCtx(t)
	ch := make(ChanSink[*Packet], 16)
	e := newTestEncoder(t, newDevice(0), device.CodecIDH264, testOptions(2), ch)

	for pts := int64(0); pts < 3; pts++ {
		require.NoError(t, e.Submit(ctx, rawFrame(pts, nv12(64, 48))))
	}
	require.NoError(t, e.Drain(ctx))
	close(ch)

	var result []int64
	for pkt := range ch {
		hdr, _, _, err := simulated.ParseUnit(pkt.Data)
		require.NoError(t, err)
		require.Equal(t, pkt.PTS, hdr.PTS)
		result = append(result, pkt.PTS)
	}
	require.Equal(t, sequence(0, 3), result)
}
