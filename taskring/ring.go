// ring.go implements the fixed-size ring of in-flight device operations.

// Package taskring bounds the amount of in-flight device operations to the
// async depth and retires them strictly in submission order.
//
// A Ring is driven by a single goroutine (the codec driver loop) and is
// not safe for concurrent use.
package taskring

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/metrics"
)

// Syncer waits for submitted operations; it is implemented by device sessions.
type Syncer interface {
	SyncOperation(ctx context.Context, sp device.SyncPoint, timeout time.Duration) device.Status
}

type slot[T any] struct {
	syncPoint device.SyncPoint
	output    T
}

type Ring[T any] struct {
	syncer     Syncer
	config     config
	slots      []slot[T]
	next       int
	pending    int
	maxPending int
}

func New[T any](
	syncer Syncer,
	depth int,
	opts ...Option,
) (*Ring[T], error) {
	if depth < 1 {
		return nil, fmt.Errorf("invalid ring length %d", depth)
	}
	if syncer == nil {
		return nil, fmt.Errorf("no syncer")
	}
	return &Ring[T]{
		syncer: syncer,
		config: Options(opts).config(),
		slots:  make([]slot[T], depth),
	}, nil
}

func (r *Ring[T]) String() string {
	return fmt.Sprintf("Ring(%s; %d/%d)", r.config.Kind, r.pending, len(r.slots))
}

func (r *Ring[T]) Len() int {
	return len(r.slots)
}

// NextSlot returns the slot following the last submitted one.
func (r *Ring[T]) NextSlot() int {
	return r.next
}

func (r *Ring[T]) IsPending(idx int) bool {
	return idx >= 0 && idx < len(r.slots) && r.slots[idx].syncPoint != nil
}

// Pending returns the amount of submitted and not finished operations.
func (r *Ring[T]) Pending() int {
	return r.pending
}

// MaxPending returns the highest value Pending ever had.
func (r *Ring[T]) MaxPending() int {
	return r.maxPending
}

// Oldest returns the earliest submitted pending slot.
func (r *Ring[T]) Oldest() (int, bool) {
	for i := range r.slots {
		idx := (r.next + i) % len(r.slots)
		if r.slots[idx].syncPoint != nil {
			return idx, true
		}
	}
	return -1, false
}

func (r *Ring[T]) checkIndex(idx int) error {
	if idx < 0 || idx >= len(r.slots) {
		return ErrInvalidSlot{Slot: idx, Len: len(r.slots)}
	}
	return nil
}

// Submit places a submitted operation into an idle slot.
func (r *Ring[T]) Submit(
	idx int,
	sp device.SyncPoint,
	output T,
) error {
	if err := r.checkIndex(idx); err != nil {
		return err
	}
	if sp == nil {
		return fmt.Errorf("no sync point")
	}
	if r.slots[idx].syncPoint != nil {
		return ErrSlotBusy{Slot: idx}
	}
	r.slots[idx] = slot[T]{syncPoint: sp, output: output}
	r.next = (idx + 1) % len(r.slots)
	r.pending++
	if r.pending > r.maxPending {
		r.maxPending = r.pending
	}
	metrics.PendingTasks.WithLabelValues(r.config.Kind).Inc()
	return nil
}

func (r *Ring[T]) retire(idx int) T {
	output := r.slots[idx].output
	r.slots[idx] = slot[T]{}
	r.pending--
	metrics.PendingTasks.WithLabelValues(r.config.Kind).Dec()
	return output
}

// Finish waits for the operation in the slot (up to the wait timeout) and
// makes the slot idle. It is a no-op for an idle slot.
func (r *Ring[T]) Finish(
	ctx context.Context,
	idx int,
) (_out T, _wasPending bool, _err error) {
	logger.Tracef(ctx, "Finish(ctx, %d)", idx)
	defer func() { logger.Tracef(ctx, "/Finish(ctx, %d): %t %v", idx, _wasPending, _err) }()
	return r.finish(ctx, idx, r.config.WaitTimeout)
}

// Poll is the non-blocking version of Finish: it returns wasPending=false
// if the operation has not finished yet.
func (r *Ring[T]) Poll(
	ctx context.Context,
	idx int,
) (T, bool, error) {
	out, finished, err := r.finish(ctx, idx, 0)
	if _, ok := err.(ErrSyncTimeout); ok {
		return out, false, nil
	}
	return out, finished, err
}

func (r *Ring[T]) finish(
	ctx context.Context,
	idx int,
	timeout time.Duration,
) (T, bool, error) {
	var zero T
	if err := r.checkIndex(idx); err != nil {
		return zero, false, err
	}
	sp := r.slots[idx].syncPoint
	if sp == nil {
		return zero, false, nil
	}
	status := r.syncer.SyncOperation(ctx, sp, timeout)
	switch {
	case status == device.StatusOK || status.IsWarning():
		return r.retire(idx), true, nil
	case status == device.StatusInExecution:
		if timeout > 0 {
			metrics.SyncTimeouts.WithLabelValues(r.config.Kind).Inc()
		}
		return zero, false, ErrSyncTimeout{Slot: idx, Timeout: timeout}
	default:
		out := r.retire(idx)
		return out, true, fmt.Errorf("the operation in slot %d failed: %w", idx, status.Err())
	}
}

// Drain finishes every pending slot, oldest first, passing the outputs to
// "callback" (if not nil). It stops at the first error.
func (r *Ring[T]) Drain(
	ctx context.Context,
	callback func(T) error,
) (_err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %v", _err) }()
	for {
		idx, ok := r.Oldest()
		if !ok {
			return nil
		}
		out, _, err := r.Finish(ctx, idx)
		if err != nil {
			return err
		}
		if callback == nil {
			continue
		}
		if err := callback(out); err != nil {
			return err
		}
	}
}

// Reset makes every slot idle without waiting and returns the outputs of
// the dropped operations, oldest first. It must be called only once the
// device is known to have stopped working on them.
func (r *Ring[T]) Reset() []T {
	var dropped []T
	for {
		idx, ok := r.Oldest()
		if !ok {
			break
		}
		dropped = append(dropped, r.retire(idx))
	}
	r.next = 0
	return dropped
}
