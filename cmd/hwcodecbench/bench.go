// bench.go implements the encode-then-decode benchmark pipeline.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/hwcodec/codec"
	"github.com/xaionaro-go/hwcodec/config"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	packetQueueSize     = 16
	transientRetryDelay = time.Millisecond
)

type progress struct {
	SubmittedFrames atomic.Uint64
	Packets         atomic.Uint64
	KeyFrames       atomic.Uint64
	EncodedBytes    atomic.Uint64
	DecodedFrames   atomic.Uint64
	Retries         atomic.Uint64
}

type Result struct {
	Frames        uint64
	Packets       uint64
	KeyFrames     uint64
	EncodedBytes  uint64
	DecodedFrames uint64
	Retries       uint64
	Duration      time.Duration
	FrameRate     float64
	Encoder       codec.Stats
	Decoder       codec.Stats
}

func (r Result) String() string {
	seconds := r.Duration.Seconds()
	var fps, bitrate float64
	if seconds > 0 {
		fps = float64(r.DecodedFrames) / seconds
	}
	if r.Frames > 0 && r.FrameRate > 0 {
		bitrate = float64(r.EncodedBytes) * 8 * r.FrameRate / float64(r.Frames)
	}
	return fmt.Sprintf(
		"frames:%d -> packets:%d (key:%d; %s; %sbps at %.0f fps) -> decoded:%d; took %v (%.1f frames/s); retries:%d",
		r.Frames, r.Packets, r.KeyFrames,
		humanize.Bytes(r.EncodedBytes),
		humanize.SIWithDigits(bitrate, 1, ""),
		r.FrameRate,
		r.DecodedFrames,
		r.Duration.Round(time.Millisecond),
		fps,
		r.Retries,
	)
}

type Bench struct {
	Config   config.Config
	Device   device.Device
	Progress progress
}

func NewBench(cfg config.Config, dev device.Device) *Bench {
	return &Bench{
		Config: cfg,
		Device: dev,
	}
}

// Run encodes the synthetic input and decodes the encoded stream back
// concurrently, until both streams are drained.
func (b *Bench) Run(ctx context.Context) (_ret *Result, _err error) {
	logger.Debugf(ctx, "Run")
	defer func() { logger.Debugf(ctx, "/Run: %v", _err) }()

	cfg := b.Config
	codecID, err := cfg.CodecID()
	if err != nil {
		return nil, err
	}

	var codecOpts []codec.Option
	if cfg.ShareContext {
		codecOpts = append(codecOpts, codec.OptionRegistry{Registry: session.NewRegistry()})
	}

	encOptions := cfg.Encoder
	if encOptions.FrameRate == 0 {
		encOptions.FrameRate = cfg.Input.FrameRate
	}
	encOpts := codecOpts
	if cfg.OutputSize != (types.Resolution{}) {
		encOpts = append(encOpts[:len(encOpts):len(encOpts)], codec.OptionOutputSize(cfg.OutputSize))
	}
	packets := make(chan *codec.Packet, packetQueueSize)
	enc, err := codec.NewEncoder(ctx, codec.EncoderConfig{
		Device:  b.Device,
		CodecID: codecID,
		Options: encOptions,
		Sink:    codec.ChanSink[*codec.Packet](packets),
	}, encOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the encoder: %w", err)
	}
	defer func() {
		if err := enc.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the encoder: %v", err)
		}
	}()

	dec, err := codec.NewDecoder(ctx, codec.DecoderConfig{
		Device:  b.Device,
		CodecID: codecID,
		Options: cfg.Decoder,
		Sink: codec.SinkFunc[*codec.Frame](func(ctx context.Context, f *codec.Frame) error {
			b.Progress.DecodedFrames.Inc()
			return f.Release(ctx)
		}),
	}, codecOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the decoder: %w", err)
	}
	defer func() {
		if err := dec.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the decoder: %v", err)
		}
	}()
	logger.Infof(ctx, "encoding with %s, decoding with %s", enc, dec)

	startTS := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(packets)
		gen := newFrameGenerator(cfg.Input)
		for idx := range cfg.Input.Frames {
			f := gen.Frame(idx)
			if err := b.submit(gctx, func() error { return enc.Submit(gctx, f) }); err != nil {
				return fmt.Errorf("unable to encode frame #%d: %w", idx, err)
			}
			b.Progress.SubmittedFrames.Inc()
		}
		if err := enc.Drain(gctx); err != nil {
			return fmt.Errorf("unable to drain the encoder: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for pkt := range packets {
			b.Progress.Packets.Inc()
			b.Progress.EncodedBytes.Add(uint64(len(pkt.Data)))
			if pkt.KeyFrame {
				b.Progress.KeyFrames.Inc()
			}
			if err := b.submit(gctx, func() error { return dec.Submit(gctx, pkt) }); err != nil {
				return fmt.Errorf("unable to decode %s: %w", pkt, err)
			}
		}
		if err := dec.Drain(gctx); err != nil {
			return fmt.Errorf("unable to drain the decoder: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fps := encOptions.FrameRate
	return &Result{
		Frames:        b.Progress.SubmittedFrames.Load(),
		Packets:       b.Progress.Packets.Load(),
		KeyFrames:     b.Progress.KeyFrames.Load(),
		EncodedBytes:  b.Progress.EncodedBytes.Load(),
		DecodedFrames: b.Progress.DecodedFrames.Load(),
		Retries:       b.Progress.Retries.Load(),
		Duration:      time.Since(startTS),
		FrameRate:     fps,
		Encoder:       enc.Stats(ctx),
		Decoder:       dec.Stats(ctx),
	}, nil
}

// submit repeats the submission while the codec reports a transient
// failure (the unit is not consumed in that case).
func (b *Bench) submit(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !codec.IsTransient(err) {
			return err
		}
		b.Progress.Retries.Inc()
		logger.Debugf(ctx, "retrying: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientRetryDelay):
		}
	}
}
