package codec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/device/simulated"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
)

func newTestCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelDebug)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { logger.Flush(ctx) })
	return ctx
}

func newDevice(latency time.Duration) *simulated.Device {
	cfg := simulated.DefaultConfig()
	cfg.Latency = latency
	cfg.ReleaseLag = latency
	return simulated.New(cfg)
}

func testOptions(asyncDepth uint) codectypes.Options {
	opts := codectypes.Default()
	opts.AsyncDepth = asyncDepth
	opts.SurfaceMaxWait = 5 * time.Millisecond
	opts.SyncTimeout = 50 * time.Millisecond
	return opts
}

func nv12(w, h uint32) types.FrameInfo {
	return types.FrameInfo{
		Resolution: types.Resolution{Width: w, Height: h},
		Format:     types.PixelFormatNV12,
	}
}

// unit builds a compressed unit of the simulated device.
func unit(pts int64, key bool, info types.FrameInfo) *Packet {
	frameType := device.FrameTypeP
	if key {
		frameType = device.FrameTypeIDR
	}
	payload := make([]byte, 16)
	for idx := range payload {
		payload[idx] = byte(pts)
	}
	return &Packet{
		Data: simulated.AppendUnit(nil, simulated.UnitHeader{
			KeyFrame:          key,
			HasSequenceHeader: key,
			FrameType:         frameType,
			CodecID:           device.CodecIDH264,
			Info:              info,
			PTS:               pts,
		}, payload),
		PTS:      pts,
		KeyFrame: key,
	}
}

func rawFrame(pts int64, info types.FrameInfo) *RawFrame {
	data := make([]byte, info.FrameSize())
	for idx := range data {
		data[idx] = byte(int(pts) + idx)
	}
	return &RawFrame{
		Info: info,
		Data: data,
		PTS:  pts,
	}
}

type frameCollector struct {
	locker sync.Mutex
	hold   bool
	frames []*Frame
	pts    []int64
	infos  []types.FrameInfo
}

func (c *frameCollector) SendOutput(ctx context.Context, f *Frame) error {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.pts = append(c.pts, f.PTS)
	c.infos = append(c.infos, f.Info)
	if c.hold {
		c.frames = append(c.frames, f)
		return nil
	}
	return f.Release(ctx)
}

func (c *frameCollector) releaseAll(ctx context.Context) error {
	c.locker.Lock()
	defer c.locker.Unlock()
	for _, f := range c.frames {
		if err := f.Release(ctx); err != nil {
			return err
		}
	}
	c.frames = nil
	return nil
}

func (c *frameCollector) PTS() []int64 {
	c.locker.Lock()
	defer c.locker.Unlock()
	return append([]int64(nil), c.pts...)
}

type packetCollector struct {
	locker  sync.Mutex
	packets []*Packet
}

func (c *packetCollector) SendOutput(ctx context.Context, pkt *Packet) error {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.packets = append(c.packets, pkt)
	return nil
}

func (c *packetCollector) Packets() []*Packet {
	c.locker.Lock()
	defer c.locker.Unlock()
	return append([]*Packet(nil), c.packets...)
}

func (c *packetCollector) PTS() []int64 {
	var result []int64
	for _, pkt := range c.Packets() {
		result = append(result, pkt.PTS)
	}
	return result
}

func (c *packetCollector) FrameTypes() []device.FrameType {
	var result []device.FrameType
	for _, pkt := range c.Packets() {
		result = append(result, pkt.FrameType)
	}
	return result
}

func sequence(from, to int64) []int64 {
	var result []int64
	for pts := from; pts < to; pts++ {
		result = append(result, pts)
	}
	return result
}
