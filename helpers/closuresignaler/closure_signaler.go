// closure_signaler.go signals the end of a stream to the ones waiting for it.

// Package closuresignaler provides a one-shot signal that a stream has
// ended, together with the reason it ended.
package closuresignaler

import (
	"context"
	"sync"

	"github.com/xaionaro-go/hwcodec/logger"
)

type ClosureSignaler struct {
	closeOnce sync.Once
	c         chan struct{}
	err       error
}

func New() *ClosureSignaler {
	return &ClosureSignaler{
		c: make(chan struct{}),
	}
}

// CloseChan is closed once the stream ended.
func (c *ClosureSignaler) CloseChan() <-chan struct{} {
	return c.c
}

func (c *ClosureSignaler) Close(ctx context.Context) {
	c.CloseWithError(ctx, nil)
}

// CloseWithError signals the end of the stream. Only the first call has
// an effect.
func (c *ClosureSignaler) CloseWithError(ctx context.Context, err error) {
	logger.Debugf(ctx, "CloseWithError(ctx, %v)", err)
	defer func() { logger.Debugf(ctx, "/CloseWithError(ctx, %v)", err) }()
	c.closeOnce.Do(func() {
		c.err = err
		close(c.c)
	})
}

func (c *ClosureSignaler) IsClosed() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}

// Err returns the reason the stream ended; it is nil before the end and
// after a clean end.
func (c *ClosureSignaler) Err() error {
	if !c.IsClosed() {
		return nil
	}
	return c.err
}

// Wait blocks until the stream ended or the context is cancelled.
func (c *ClosureSignaler) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.c:
		return c.err
	}
}
