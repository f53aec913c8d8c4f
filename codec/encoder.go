// encoder.go implements the thread-safe facade of the encoder.

package codec

import (
	"context"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/helpers/closuresignaler"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/xsync"
)

type EncoderConfig struct {
	Device  device.Device
	CodecID device.CodecID
	Options codectypes.Options
	Sink    Sink[*Packet]
}

// Encoder turns raw frames into compressed units through a device
// session, converting the frames first if the device cannot take them as
// they are.
type Encoder EncoderLocked

var _ types.Closer = (*Encoder)(nil)

func NewEncoder(
	ctx context.Context,
	cfg EncoderConfig,
	opts ...Option,
) (_ret *Encoder, _err error) {
	logger.Debugf(ctx, "NewEncoder(ctx, %s, %s)", cfg.CodecID, cfg.Options)
	defer func() { logger.Debugf(ctx, "/NewEncoder(ctx, %s, %s): %v", cfg.CodecID, cfg.Options, _err) }()

	if cfg.Sink == nil {
		return nil, fmt.Errorf("no sink")
	}
	variant, err := VariantByCodecID(cfg.CodecID)
	if err != nil {
		return nil, err
	}
	options := cfg.Options.WithDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}
	codecCfg := Options(opts).config()
	handle, err := acquireContext(ctx, cfg.Device, options, types.JobTypeEncode, codecCfg)
	if err != nil {
		return nil, err
	}
	e := &Encoder{
		config:        cfg,
		options:       options,
		variant:       variant,
		outputSize:    codecCfg.OutputSize,
		context:       handle,
		session:       handle.Session(ctx),
		closeSignaler: closuresignaler.New(),
	}
	e.config.Options = options
	e.state.Store(StateUninitialized)
	e.currentPool.Store((*surface.Pool)(nil))
	return e, nil
}

func (e *Encoder) asLocked() *EncoderLocked {
	return (*EncoderLocked)(e)
}

func (e *Encoder) String() string {
	return fmt.Sprintf("Encoder(%s; %s)", e.variant, e.State())
}

// Submit feeds a raw frame. The frame data is not referenced after Submit
// returns; the packets are delivered to the sink in submission order.
func (e *Encoder) Submit(
	ctx context.Context,
	f *RawFrame,
) (_err error) {
	logger.Tracef(ctx, "Submit")
	defer func() { logger.Tracef(ctx, "/Submit: %v", _err) }()
	return xsync.DoA2R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Submit, ctx, f)
}

// SetBitrate changes the bitrate family of the options. A running encoder
// applies the change before the next frame.
func (e *Encoder) SetBitrate(
	ctx context.Context,
	change BitrateChange,
) (_err error) {
	logger.Debugf(ctx, "SetBitrate(ctx, %s)", change)
	defer func() { logger.Debugf(ctx, "/SetBitrate(ctx, %s): %v", change, _err) }()
	return xsync.DoA2R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().SetBitrate, ctx, change)
}

// Flush drops every pending packet and the frames buffered in the device;
// the encoder stays usable.
func (e *Encoder) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Flush, ctx)
}

// Drain delivers every remaining packet and closes the encoder.
func (e *Encoder) Drain(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Drain")
	defer func() { logger.Debugf(ctx, "/Drain: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Drain, ctx)
}

func (e *Encoder) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Close, ctx)
}

func (e *Encoder) State() State {
	return e.state.Load()
}

func (e *Encoder) Stats(ctx context.Context) Stats {
	stats := e.counters.stats()
	if pool := e.currentPool.Load(); pool != nil {
		stats.Pool = pool.Stats(ctx)
	}
	return stats
}

// Options returns the options the encoder currently runs with.
func (e *Encoder) Options(ctx context.Context) codectypes.Options {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() codectypes.Options {
		return e.options
	})
}

// Params returns the negotiated parameters of the encoding session.
func (e *Encoder) Params(ctx context.Context) (device.Params, bool) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &e.locker, func() (device.Params, bool) {
		return e.params, e.state.Load() == StateRunning
	})
}

// HasPreProcessing reports whether the frames go through the conversion
// stage before being encoded.
func (e *Encoder) HasPreProcessing(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() bool {
		return e.vpp != nil
	})
}

func (e *Encoder) Context() *session.Context {
	return e.context.Context
}

func (e *Encoder) CloseChan() <-chan struct{} {
	return e.closeSignaler.CloseChan()
}

func (e *Encoder) Err() error {
	return e.closeSignaler.Err()
}
