// context.go implements how a codec obtains its device context.

package codec

import (
	"context"
	"errors"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/types"
)

// contextHandle is the device context a codec runs on, together with what
// has to be undone when the codec is closed.
type contextHandle struct {
	*session.Context
	registry   *session.Registry
	asyncDepth int
}

func acquireContext(
	ctx context.Context,
	dev device.Device,
	opts codectypes.Options,
	jobType types.JobType,
	cfg config,
) (_ret *contextHandle, _err error) {
	logger.Debugf(ctx, "acquireContext(ctx, %s, %s)", dev, jobType)
	defer func() { logger.Debugf(ctx, "/acquireContext(ctx, %s, %s): %v %v", dev, jobType, _ret, _err) }()

	c, published, err := findOrOpenContext(ctx, dev, opts, jobType, cfg)
	if err != nil {
		return nil, err
	}
	h := &contextHandle{
		Context:    c,
		asyncDepth: int(opts.AsyncDepth),
	}
	if published {
		h.registry = cfg.Registry
	}
	c.AddSharedAsyncDepth(ctx, h.asyncDepth)
	return h, nil
}

func findOrOpenContext(
	ctx context.Context,
	dev device.Device,
	opts codectypes.Options,
	jobType types.JobType,
	cfg config,
) (*session.Context, bool, error) {
	if cfg.Context != nil {
		if err := cfg.Context.Retain(ctx); err != nil {
			return nil, false, fmt.Errorf("unable to retain the context %s: %w", cfg.Context, err)
		}
		cfg.Context.AddJobType(ctx, jobType)
		return cfg.Context, false, nil
	}

	if cfg.Registry != nil {
		if found := cfg.Registry.Discover(ctx, types.JobTypeNone, opts.Hardware); found != nil {
			if !opts.JoinSession {
				logger.Debugf(ctx, "reusing the context %s", found)
				found.AddJobType(ctx, jobType)
				return found, false, nil
			}
			child, err := session.ForkJoined(ctx, found)
			if releaseErr := found.Release(ctx); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
			if err != nil {
				if child != nil {
					_ = child.Close(ctx)
				}
				return nil, false, err
			}
			child.AddJobType(ctx, jobType)
			cfg.Registry.Publish(ctx, jobType, child)
			return child, true, nil
		}
	}

	c, err := session.Open(ctx, dev, opts.Hardware, jobType)
	if err != nil {
		return nil, false, err
	}
	if cfg.Registry != nil {
		cfg.Registry.Publish(ctx, jobType, c)
		return c, true, nil
	}
	return c, false, nil
}

func (h *contextHandle) release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.RemoveSharedAsyncDepth(ctx, h.asyncDepth)
	if h.registry != nil {
		h.registry.Unpublish(ctx, h.Context)
	}
	return h.Release(ctx)
}
