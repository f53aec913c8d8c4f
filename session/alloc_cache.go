// alloc_cache.go implements the per-context cache of negotiated allocation responses.

package session

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/xsync"
)

// AllocKey identifies what a set of surfaces is requested for.
type AllocKey struct {
	Purpose surface.Purpose
	Info    types.FrameInfo
}

func (k AllocKey) String() string {
	return fmt.Sprintf("%s:%s", k.Purpose, k.Info)
}

type allocCacheEntry struct {
	response surface.AllocResponse
	refs     int
}

// GetOrNegotiateAllocResponse returns the cached response for the key, or
// negotiates (and caches) a new one. Every successful call must be paired
// with RemoveAllocResponse.
func (c *Context) GetOrNegotiateAllocResponse(
	ctx context.Context,
	key AllocKey,
	negotiate func(context.Context) (surface.AllocResponse, error),
) (_ret surface.AllocResponse, _err error) {
	logger.Tracef(ctx, "GetOrNegotiateAllocResponse(ctx, %s)", key)
	defer func() { logger.Tracef(ctx, "/GetOrNegotiateAllocResponse(ctx, %s): %v %v", key, _ret, _err) }()

	var (
		resp  surface.AllocResponse
		found bool
		err   error
	)
	c.locker.Do(ctx, func() {
		if c.closed {
			err = ErrClosed{}
			return
		}
		entry, ok := c.allocResponses[key]
		if !ok {
			return
		}
		entry.refs++
		resp, found = entry.response, true
	})
	if err != nil || found {
		return resp, err
	}

	resp, err = negotiate(ctx)
	if err != nil {
		return surface.AllocResponse{}, fmt.Errorf("unable to negotiate the allocation for %s: %w", key, err)
	}

	return xsync.DoR2(ctx, c.locker, func() (surface.AllocResponse, error) {
		if c.closed {
			return surface.AllocResponse{}, ErrClosed{}
		}
		if entry, ok := c.allocResponses[key]; ok {
			logger.Debugf(ctx, "%s got negotiated concurrently, using %s", key, entry.response.Key)
			entry.refs++
			return entry.response, nil
		}
		c.allocResponses[key] = &allocCacheEntry{response: resp, refs: 1}
		return resp, nil
	})
}

// RemoveAllocResponse drops a reference to the cached response and
// reports whether the entry got removed.
func (c *Context) RemoveAllocResponse(
	ctx context.Context,
	key AllocKey,
) bool {
	return xsync.DoR1(ctx, c.locker, func() bool {
		entry, ok := c.allocResponses[key]
		if !ok {
			return false
		}
		entry.refs--
		if entry.refs > 0 {
			return false
		}
		delete(c.allocResponses, key)
		return true
	})
}

// CachedAllocResponses returns the amount of cached responses.
func (c *Context) CachedAllocResponses(ctx context.Context) int {
	return xsync.DoR1(ctx, c.locker, func() int {
		return len(c.allocResponses)
	})
}
