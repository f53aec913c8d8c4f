// encoder_bitrate.go implements the runtime bitrate reconfiguration.

package codec

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/logger"
)

// BitrateChange is a change of the bitrate family of options; zero
// fields keep the current values.
type BitrateChange struct {
	RateControlMode codectypes.RateControlMode
	TargetBitrate   uint64
	MaxBitrate      uint64
}

func (c BitrateChange) String() string {
	return fmt.Sprintf("%s %sbps (max %sbps)",
		c.RateControlMode,
		humanize.SIWithDigits(float64(c.TargetBitrate), 1, ""),
		humanize.SIWithDigits(float64(c.MaxBitrate), 1, ""),
	)
}

func (c BitrateChange) apply(opts codectypes.Options) codectypes.Options {
	if c.RateControlMode != codectypes.UndefinedRateControlMode {
		opts.RateControlMode = c.RateControlMode
	}
	if c.TargetBitrate != 0 {
		opts.TargetBitrate = c.TargetBitrate
	}
	if c.MaxBitrate != 0 {
		opts.MaxBitrate = c.MaxBitrate
	}
	return opts
}

func (e *EncoderLocked) SetBitrate(
	ctx context.Context,
	change BitrateChange,
) error {
	if e.state.Load() == StateClosed {
		return ErrClosed{}
	}
	pending := change
	if e.Next.IsSet() {
		pending = mergeBitrateChanges(e.Next.Get(), change)
	}
	opts := pending.apply(e.options)
	if err := opts.Validate(); err != nil {
		return err
	}
	if e.state.Load() == StateUninitialized {
		e.options = opts
		return nil
	}
	e.Next.Set(pending)
	return nil
}

func mergeBitrateChanges(prev, next BitrateChange) BitrateChange {
	if next.RateControlMode == codectypes.UndefinedRateControlMode {
		next.RateControlMode = prev.RateControlMode
	}
	if next.TargetBitrate == 0 {
		next.TargetBitrate = prev.TargetBitrate
	}
	if next.MaxBitrate == 0 {
		next.MaxBitrate = prev.MaxBitrate
	}
	return next
}

// applyBitrate applies the pending bitrate change either in place (the
// surfaces are kept) or by negotiating the session again.
func (e *EncoderLocked) applyBitrate(ctx context.Context) (_err error) {
	change := e.Next.Get()
	e.Next.Unset()
	logger.Debugf(ctx, "applyBitrate: %s", change)
	defer func() { logger.Debugf(ctx, "/applyBitrate: %s: %v", change, _err) }()

	opts := change.apply(e.options)
	policy := opts.BitratePolicy
	if policy == codectypes.BitratePolicyAuto {
		policy = e.variant.BitratePolicy()
	}
	if opts.RateControlMode != e.options.RateControlMode {
		policy = codectypes.BitratePolicyHardReset
	}
	e.counters.BitrateChanges.Inc()

	switch policy {
	case codectypes.BitratePolicyReset:
		params := e.params
		if err := e.variant.Configure(ctx, opts, &params); err != nil {
			return fmt.Errorf("unable to configure %s: %w", e.variant, err)
		}
		if err := e.drainDevice(ctx, true); err != nil {
			return err
		}
		if err := e.session.Reset(ctx, params); err != nil {
			return ErrStream{Op: "encoder reset", Status: statusOf(err), Err: err}
		}
		e.params = params
		e.options = opts
		return nil
	case codectypes.BitratePolicyHardReset:
		e.options = opts
		return e.renegotiate(ctx, e.inputInfo)
	default:
		return fmt.Errorf("unexpected bitrate policy %s", policy)
	}
}
