// sink.go defines where codecs deliver their output.

package codec

import (
	"context"
)

// Sink receives the outputs of a codec in presentation-independent,
// submission order. An error returned by the sink terminates the stream.
type Sink[T any] interface {
	SendOutput(ctx context.Context, output T) error
}

type SinkFunc[T any] func(ctx context.Context, output T) error

func (fn SinkFunc[T]) SendOutput(ctx context.Context, output T) error {
	return fn(ctx, output)
}

// ChanSink forwards the outputs to a channel, blocking until the receiver
// takes them.
type ChanSink[T any] chan T

func (ch ChanSink[T]) SendOutput(ctx context.Context, output T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- output:
		return nil
	}
}
