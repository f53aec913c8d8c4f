// context.go implements the shared, reference-counted device context.

// Package session implements the device context: a shared handle to an
// accelerator session which several pipeline stages (decode, VPP, encode)
// may reuse, and which may fork "joined" children sharing the command
// queue of the parent.
//
// A family of joined contexts is serialized by one mutex. Children are
// always torn down before their parent: an explicit Close of a parent is
// rejected while any joined child is alive, and dropping the last reference
// with Release postpones the destruction of a parent until its last child
// is gone. A child is disjoined before its session is closed.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

type Context struct {
	id       uuid.UUID
	device   device.Device
	hardware bool

	// locker is shared by the whole family of joined contexts.
	locker *xsync.Mutex

	session          device.Session
	jobType          types.JobType
	ownAsyncDepth    int
	sharedAsyncDepth int
	parent           *Context
	children         []*Context
	refs             int
	closed           bool
	closer           *astikit.Closer
	allocResponses   map[AllocKey]*allocCacheEntry
}

// Open opens a new session on the device. The returned context holds one
// reference.
func Open(
	ctx context.Context,
	dev device.Device,
	hardware bool,
	jobType types.JobType,
) (_ret *Context, _err error) {
	logger.Debugf(ctx, "Open(ctx, %s, %t, %s)", dev, hardware, jobType)
	defer func() { logger.Debugf(ctx, "/Open(ctx, %s, %t, %s): %v %v", dev, hardware, jobType, _ret, _err) }()

	if dev == nil {
		return nil, ErrDeviceInit{Device: "<nil>", Hardware: hardware, Err: fmt.Errorf("no device")}
	}
	sess, err := dev.OpenSession(ctx, hardware)
	if err != nil {
		return nil, ErrDeviceInit{Device: dev.String(), Hardware: hardware, Err: err}
	}
	c := newContext(dev, sess, hardware, jobType, &xsync.Mutex{})
	closeCtx := xcontext.DetachDone(ctx)
	c.closer.AddWithError(func() error {
		return sess.Close(closeCtx)
	})
	return c, nil
}

func newContext(
	dev device.Device,
	sess device.Session,
	hardware bool,
	jobType types.JobType,
	locker *xsync.Mutex,
) *Context {
	return &Context{
		id:             uuid.New(),
		device:         dev,
		hardware:       hardware,
		locker:         locker,
		session:        sess,
		jobType:        jobType,
		refs:           1,
		closer:         astikit.NewCloser(),
		allocResponses: map[AllocKey]*allocCacheEntry{},
	}
}

// ForkJoined creates a context with a new session joined to the command
// queue of "parent". The child mirrors the hardware flag and the job
// types of the parent.
func ForkJoined(
	ctx context.Context,
	parent *Context,
) (_ret *Context, _err error) {
	logger.Debugf(ctx, "ForkJoined(ctx, %s)", parent)
	defer func() { logger.Debugf(ctx, "/ForkJoined(ctx, %s): %v %v", parent, _ret, _err) }()
	if parent == nil || parent.locker == nil {
		return nil, ErrSessionJoin{Parent: "<nil>", Err: ErrClosed{}}
	}
	return xsync.DoA1R2(ctx, parent.locker, parent.forkJoinedLocked, ctx)
}

func (parent *Context) forkJoinedLocked(ctx context.Context) (*Context, error) {
	if parent.closed {
		return nil, ErrSessionJoin{Parent: parent.String(), Err: ErrClosed{}}
	}
	sess, err := parent.session.Clone(ctx)
	if err != nil {
		return nil, ErrSessionJoin{Parent: parent.String(), Err: fmt.Errorf("unable to clone the session: %w", err)}
	}
	if err := parent.session.Join(ctx, sess); err != nil {
		if closeErr := sess.Close(ctx); closeErr != nil {
			logger.Errorf(ctx, "unable to close the rejected session %s: %v", sess, closeErr)
		}
		return nil, ErrSessionJoin{Parent: parent.String(), Err: err}
	}

	child := newContext(parent.device, sess, parent.hardware, parent.jobType, parent.locker)
	child.parent = parent
	closeCtx := xcontext.DetachDone(ctx)
	child.closer.AddWithError(func() error {
		return sess.Close(closeCtx)
	})
	child.closer.AddWithError(func() error {
		return sess.Disjoin(closeCtx)
	})
	parent.children = append(parent.children, child)
	return child, nil
}

func (c *Context) String() string {
	if c == nil {
		return "Context(nil)"
	}
	kind := "software"
	if c.hardware {
		kind = "hardware"
	}
	if c.parent != nil {
		return fmt.Sprintf("Context(%s; %s; joined to %s)", c.id, kind, c.parent.id)
	}
	return fmt.Sprintf("Context(%s; %s)", c.id, kind)
}

func (c *Context) ID() uuid.UUID {
	return c.id
}

func (c *Context) Device() device.Device {
	return c.device
}

func (c *Context) IsHardware() bool {
	return c.hardware
}

// Parent returns the context this one is joined to, or nil.
func (c *Context) Parent() *Context {
	return c.parent
}

// Session returns the device session, or nil if the context is closed.
func (c *Context) Session(ctx context.Context) device.Session {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), c.locker, func() device.Session {
		if c.closed {
			return nil
		}
		return c.session
	})
}

func (c *Context) Children(ctx context.Context) []*Context {
	return xsync.DoR1(ctx, c.locker, func() []*Context {
		return append([]*Context(nil), c.children...)
	})
}

func (c *Context) IsClosed(ctx context.Context) bool {
	if c == nil || c.locker == nil {
		return true
	}
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), c.locker, func() bool {
		return c.closed
	})
}

func (c *Context) JobType(ctx context.Context) types.JobType {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), c.locker, func() types.JobType {
		return c.jobType
	})
}

// AddJobType registers one more pipeline role reusing the context.
func (c *Context) AddJobType(ctx context.Context, jobType types.JobType) {
	c.locker.Do(ctx, func() {
		c.jobType |= jobType
	})
}

func (c *Context) rootLocked() *Context {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// AddSharedAsyncDepth registers the async depth a component is going to
// submit with. The sum is shared by the whole family of joined contexts,
// since they all compete for one command queue.
func (c *Context) AddSharedAsyncDepth(ctx context.Context, n int) {
	c.locker.Do(ctx, func() {
		c.addSharedAsyncDepthLocked(n)
	})
}

// RemoveSharedAsyncDepth unregisters what AddSharedAsyncDepth registered.
func (c *Context) RemoveSharedAsyncDepth(ctx context.Context, n int) {
	c.locker.Do(ctx, func() {
		if c.closed {
			return
		}
		if n > c.ownAsyncDepth {
			logger.Errorf(ctx, "removing async depth %d, while only %d was added", n, c.ownAsyncDepth)
			n = c.ownAsyncDepth
		}
		c.addSharedAsyncDepthLocked(-n)
	})
}

func (c *Context) addSharedAsyncDepthLocked(n int) {
	c.ownAsyncDepth += n
	c.rootLocked().sharedAsyncDepth += n
	metrics.SharedAsyncDepth.Add(float64(n))
}

// SharedAsyncDepth returns the total async depth registered within the
// family of joined contexts.
func (c *Context) SharedAsyncDepth(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), c.locker, func() int {
		return c.rootLocked().sharedAsyncDepth
	})
}

// Retain adds a reference.
func (c *Context) Retain(ctx context.Context) error {
	return xsync.DoR1(ctx, c.locker, func() error {
		if c.closed {
			return ErrClosed{}
		}
		c.refs++
		return nil
	})
}

// Release drops a reference. The last reference closes the context, unless
// joined children are still alive: then the context is closed together
// with its last child.
func (c *Context) Release(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Release: %s", c)
	defer func() { logger.Debugf(ctx, "/Release: %s: %v", c, _err) }()
	if c == nil || c.locker == nil {
		return nil
	}
	return xsync.DoR1(ctx, c.locker, func() error {
		if c.closed {
			return nil
		}
		if c.refs <= 0 {
			return fmt.Errorf("%s: the reference counter is already zero", c)
		}
		c.refs--
		if c.refs > 0 {
			return nil
		}
		if len(c.children) > 0 {
			logger.Debugf(ctx, "%d joined children are still alive, postponing the destruction of %s", len(c.children), c)
			return nil
		}
		return c.closeLocked(ctx)
	})
}

// Close tears the context down regardless of its reference counter. It
// returns ErrJoinedChildrenAlive (and closes nothing) while joined children
// are still open. It is idempotent and is a no-op on a never opened
// context.
func (c *Context) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", c)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", c, _err) }()
	if c == nil || c.locker == nil {
		return nil
	}
	return xsync.DoA1R1(ctx, c.locker, c.closeLocked, ctx)
}

func (c *Context) closeLocked(ctx context.Context) error {
	if c.closed {
		return nil
	}
	if len(c.children) > 0 {
		return ErrJoinedChildrenAlive{Context: c.String(), Count: len(c.children)}
	}
	var errs []error
	if err := c.closeSelfLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	parent := c.parent
	if parent != nil {
		parent.removeChildLocked(c)
		if !parent.closed && parent.refs <= 0 && len(parent.children) == 0 {
			logger.Debugf(ctx, "the last joined child is closed, closing the released %s", parent)
			if err := parent.closeLocked(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Context) closeSelfLocked(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ownAsyncDepth != 0 {
		c.addSharedAsyncDepthLocked(-c.ownAsyncDepth)
	}
	clear(c.allocResponses)
	if err := c.closer.Close(); err != nil {
		return fmt.Errorf("unable to close %s: %w", c, err)
	}
	return nil
}

func (c *Context) removeChildLocked(child *Context) {
	for idx, candidate := range c.children {
		if candidate == child {
			c.children = append(c.children[:idx], c.children[idx+1:]...)
			return
		}
	}
}
