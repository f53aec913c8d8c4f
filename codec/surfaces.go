// surfaces.go implements the surface handling shared by decoders and encoders.

package codec

import (
	"context"
	"errors"
	"fmt"

	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/surface"
)

func surfaceOptions(opts codectypes.Options) []surface.Option {
	var result []surface.Option
	if opts.SurfaceRetryInterval > 0 {
		result = append(result, surface.OptionRetryInterval(opts.SurfaceRetryInterval))
	}
	if opts.SurfaceMaxWait > 0 {
		result = append(result, surface.OptionMaxWait(opts.SurfaceMaxWait))
	}
	return result
}

// newPool negotiates (or reuses) the allocation for the request within the
// context and allocates the surfaces.
func newPool(
	ctx context.Context,
	h *contextHandle,
	allocator surface.Allocator,
	req surface.AllocRequest,
	opts codectypes.Options,
) (*surface.Pool, session.AllocKey, error) {
	key := session.AllocKey{Purpose: req.Purpose, Info: req.Info}
	resp, err := h.GetOrNegotiateAllocResponse(ctx, key, func(ctx context.Context) (surface.AllocResponse, error) {
		return surface.NewAllocResponse(req, h.SharedAsyncDepth(ctx)), nil
	})
	if err != nil {
		return nil, key, err
	}
	pool, err := surface.NewPool(ctx, allocator, resp, surfaceOptions(opts)...)
	if err != nil {
		h.RemoveAllocResponse(ctx, key)
		return nil, key, fmt.Errorf("unable to create the %s pool: %w", req.Purpose, err)
	}
	return pool, key, nil
}

// acquireSurface takes a surface without waiting if possible. Otherwise it
// calls finishOldest (which reports whether there was anything to finish)
// hoping that gives a surface back, and only then waits for one.
func acquireSurface(
	ctx context.Context,
	pool *surface.Pool,
	finishOldest func() (bool, error),
) (*surface.Surface, error) {
	s, err := pool.TryAcquire(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.As(err, &surface.ErrNoSurfaceAvailable{}) {
		return nil, err
	}
	finished, err := finishOldest()
	if err != nil {
		return nil, err
	}
	if finished {
		if s, err := pool.TryAcquire(ctx); err == nil {
			return s, nil
		}
	}
	return pool.Acquire(ctx)
}
