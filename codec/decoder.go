// decoder.go implements the thread-safe facade of the decoder.

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

type DecoderConfig struct {
	Device  device.Device
	CodecID device.CodecID
	Options codectypes.Options
	Sink    Sink[*Frame]
}

// Decoder turns compressed units into frames through a device session.
// All the methods are safe for concurrent use; the submissions are
// serialized.
type Decoder DecoderLocked

var _ types.Closer = (*Decoder)(nil)

func NewDecoder(
	ctx context.Context,
	cfg DecoderConfig,
	opts ...Option,
) (_ret *Decoder, _err error) {
	logger.Debugf(ctx, "NewDecoder(ctx, %s, %s)", cfg.CodecID, cfg.Options)
	defer func() { logger.Debugf(ctx, "/NewDecoder(ctx, %s, %s): %v", cfg.CodecID, cfg.Options, _err) }()

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
	handle, err := acquireContext(ctx, cfg.Device, options, types.JobTypeDecode, codecCfg)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		config:        cfg,
		options:       options,
		variant:       variant,
		context:       handle,
		session:       handle.Session(ctx),
		closeSignaler: closuresignaler.New(),
	}
	d.config.Options = options
	d.state.Store(StateUninitialized)
	d.currentPool.Store((*surface.Pool)(nil))
	return d, nil
}

func (d *Decoder) asLocked() *DecoderLocked {
	return (*DecoderLocked)(d)
}

func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder(%s; %s)", d.variant, d.State())
}

// Submit feeds a compressed unit. Decoded frames are delivered to the
// sink in submission order before or after Submit returns.
func (d *Decoder) Submit(
	ctx context.Context,
	pkt *Packet,
) (_err error) {
	logger.Tracef(ctx, "Submit")
	defer func() { logger.Tracef(ctx, "/Submit: %v", _err) }()
	return xsync.DoA2R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Submit, ctx, pkt)
}

// Flush drops every pending frame and the device-buffered ones; the
// decoder stays usable.
func (d *Decoder) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Flush, ctx)
}

// Drain delivers every remaining frame and closes the decoder.
func (d *Decoder) Drain(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Drain")
	defer func() { logger.Debugf(ctx, "/Drain: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Drain, ctx)
}

func (d *Decoder) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Close, ctx)
}

// State is readable without waiting for a submission in progress.
func (d *Decoder) State() State {
	return d.state.Load()
}

func (d *Decoder) Stats(ctx context.Context) Stats {
	stats := d.counters.stats()
	if pool := d.currentPool.Load(); pool != nil {
		stats.Pool = pool.Stats(ctx)
	}
	return stats
}

// Params returns the negotiated parameters.
func (d *Decoder) Params(ctx context.Context) (device.Params, bool) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &d.locker, func() (device.Params, bool) {
		return d.params, d.state.Load() == StateRunning
	})
}

func (d *Decoder) Context() *session.Context {
	return d.context.Context
}

// CloseChan is closed once the decoder is closed.
func (d *Decoder) CloseChan() <-chan struct{} {
	return d.closeSignaler.CloseChan()
}

// Err returns the error that terminated the stream, if any.
func (d *Decoder) Err() error {
	return d.closeSignaler.Err()
}
