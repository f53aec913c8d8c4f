// registry.go implements the discovery of contexts published by neighbouring pipeline stages.

package session

import (
	"context"

	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/xsync"
)

type registryEntry struct {
	role    types.JobType
	context *Context
}

// Registry lets a pipeline stage reuse the context of its neighbours
// instead of opening one more session on the same device.
type Registry struct {
	locker  xsync.Mutex
	entries []registryEntry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Publish makes the context discoverable for the given role.
func (r *Registry) Publish(
	ctx context.Context,
	role types.JobType,
	c *Context,
) {
	logger.Debugf(ctx, "Publish(ctx, %s, %s)", role, c)
	r.locker.Do(ctx, func() {
		r.entries = append(r.entries, registryEntry{role: role, context: c})
	})
}

// Discover returns the most recently published open context with the
// requested hardware flag published for any of "roles" (JobTypeNone
// matches every role). The returned context is retained on behalf of the
// caller.
func (r *Registry) Discover(
	ctx context.Context,
	roles types.JobType,
	hardware bool,
) (_ret *Context) {
	logger.Tracef(ctx, "Discover(ctx, %s, %t)", roles, hardware)
	defer func() { logger.Tracef(ctx, "/Discover(ctx, %s, %t): %v", roles, hardware, _ret) }()
	candidates := xsync.DoR1(ctx, &r.locker, func() []registryEntry {
		return append([]registryEntry(nil), r.entries...)
	})
	for idx := len(candidates) - 1; idx >= 0; idx-- {
		entry := candidates[idx]
		if roles != types.JobTypeNone && entry.role&roles == 0 {
			continue
		}
		if entry.context.IsHardware() != hardware {
			continue
		}
		if err := entry.context.Retain(ctx); err != nil {
			continue
		}
		return entry.context
	}
	return nil
}

// Unpublish removes every publication of the context.
func (r *Registry) Unpublish(
	ctx context.Context,
	c *Context,
) {
	logger.Debugf(ctx, "Unpublish(ctx, %s)", c)
	r.locker.Do(ctx, func() {
		entries := r.entries[:0]
		for _, entry := range r.entries {
			if entry.context != c {
				entries = append(entries, entry)
			}
		}
		clear(r.entries[len(entries):])
		r.entries = entries
	})
}
