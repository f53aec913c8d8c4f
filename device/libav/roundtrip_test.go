package libav

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec/codec"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/types"
)

type decodedFrames struct {
	locker sync.Mutex
	pts    []int64
	infos  []types.FrameInfo
}

func (c *decodedFrames) SendOutput(ctx context.Context, f *codec.Frame) error {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.pts = append(c.pts, f.PTS)
	c.infos = append(c.infos, f.Info)
	return f.Release(ctx)
}

func softwareOptions() codectypes.Options {
	opts := codectypes.Default()
	opts.Hardware = false
	opts.AsyncDepth = 2
	opts.GOPSize = 5
	opts.BFrames = 0
	opts.TargetBitrate = 500_000
	opts.FrameRate = 30
	opts.SyncTimeout = time.Second
	return opts
}

// skipWithoutH264 skips the test unless libav can encode NV12 into H.264
// and decode it back in software.
func skipWithoutH264(t *testing.T) {
	enc := astiav.FindEncoder(astiav.CodecIDH264)
	if enc == nil || !slices.Contains(enc.PixelFormats(), astiav.PixelFormatNv12) {
		t.Skip("no software H.264 encoder taking NV12")
	}
	if astiav.FindDecoder(astiav.CodecIDH264) == nil {
		t.Skip("no H.264 decoder")
	}
}

func nv12Frame(pts int64, w, h uint32) *codec.RawFrame {
	info := types.FrameInfo{
		Resolution: types.Resolution{Width: w, Height: h},
		Format:     types.PixelFormatNV12,
	}
	data := make([]byte, info.FrameSize())
	luma := int(w * h)
	for i := 0; i < luma; i++ {
		data[i] = byte(int64(i%int(w)) + pts*8)
	}
	for i := luma; i < len(data); i++ {
		data[i] = 128
	}
	return &codec.RawFrame{Info: info, Data: data, PTS: pts}
}

func roundTrip(
	t *testing.T,
	sizes []types.Resolution,
) (*codec.Encoder, *codec.Decoder, *decodedFrames) {
	ctx := newTestCtx(t)
	dev := New(Config{})
	frames := &decodedFrames{}

	dec, err := codec.NewDecoder(ctx, codec.DecoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: softwareOptions(),
		Sink:    frames,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dec.Close(ctx) })

	enc, err := codec.NewEncoder(ctx, codec.EncoderConfig{
		Device:  dev,
		CodecID: device.CodecIDH264,
		Options: softwareOptions(),
		Sink: codec.SinkFunc[*codec.Packet](func(ctx context.Context, pkt *codec.Packet) error {
			return dec.Submit(ctx, pkt)
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close(ctx) })

	for pts, size := range sizes {
		require.NoError(t, enc.Submit(ctx, nv12Frame(int64(pts), size.Width, size.Height)))
	}
	require.NoError(t, enc.Drain(ctx))
	require.NoError(t, dec.Drain(ctx))
	require.Equal(t, codec.StateClosed, dec.State())
	require.Zero(t, dev.OpenSessions())
	require.Zero(t, dev.LiveSurfaces())
	return enc, dec, frames
}

func TestSoftwareH264RoundTrip(t *testing.T) {
	skipWithoutH264(t)
	ctx := newTestCtx(t)

	sizes := make([]types.Resolution, 12)
	for i := range sizes {
		sizes[i] = types.Resolution{Width: 160, Height: 96}
	}
	enc, dec, frames := roundTrip(t, sizes)

	require.Len(t, frames.pts, len(sizes))
	for i, pts := range frames.pts {
		require.Equal(t, int64(i), pts)
		require.Equal(t, types.Resolution{Width: 160, Height: 96}, frames.infos[i].Visible())
	}
	require.Equal(t, uint64(len(sizes)), enc.Stats(ctx).InputUnits)
	require.Equal(t, uint64(len(sizes)), dec.Stats(ctx).OutputUnits)
	require.Zero(t, dec.Stats(ctx).Renegotiations)
}

func TestSoftwareH264ResolutionChange(t *testing.T) {
	skipWithoutH264(t)
	ctx := newTestCtx(t)

	var sizes []types.Resolution
	for i := 0; i < 6; i++ {
		sizes = append(sizes, types.Resolution{Width: 160, Height: 96})
	}
	for i := 0; i < 6; i++ {
		sizes = append(sizes, types.Resolution{Width: 192, Height: 128})
	}
	enc, dec, frames := roundTrip(t, sizes)

	require.Len(t, frames.pts, len(sizes))
	for i, pts := range frames.pts {
		require.Equal(t, int64(i), pts)
		require.Equal(t, sizes[i], frames.infos[i].Visible())
	}
	require.Equal(t, uint64(1), enc.Stats(ctx).Renegotiations)
	require.Equal(t, uint64(1), dec.Stats(ctx).Renegotiations)
}
