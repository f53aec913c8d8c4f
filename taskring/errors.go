package taskring

import (
	"fmt"
	"time"
)

// ErrSyncTimeout means an operation did not finish within the wait
// timeout. It indicates a device or driver malfunction.
type ErrSyncTimeout struct {
	Slot    int
	Timeout time.Duration
}

func (e ErrSyncTimeout) Error() string {
	return fmt.Sprintf("the operation in slot %d did not finish within %v", e.Slot, e.Timeout)
}

type ErrSlotBusy struct {
	Slot int
}

func (e ErrSlotBusy) Error() string {
	return fmt.Sprintf("slot %d still has an unfinished operation", e.Slot)
}

type ErrInvalidSlot struct {
	Slot int
	Len  int
}

func (e ErrInvalidSlot) Error() string {
	return fmt.Sprintf("slot %d is out of range [0, %d)", e.Slot, e.Len)
}
