// stats.go implements the counters a codec exposes.

package codec

import (
	"fmt"

	"github.com/xaionaro-go/hwcodec/surface"
	"go.uber.org/atomic"
)

type Stats struct {
	InputUnits         uint64
	OutputUnits        uint64
	KeyFrames          uint64
	Renegotiations     uint64
	BitrateChanges     uint64
	BusyRetries        uint64
	MoreSurfaceRetries uint64
	NoSurfaceAvailable uint64
	MaxPending         int
	Pool               surface.Stats
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"in:%d out:%d key:%d renegotiations:%d busy:%d more_surface:%d no_surface:%d max_pending:%d pool:%s",
		s.InputUnits, s.OutputUnits, s.KeyFrames, s.Renegotiations,
		s.BusyRetries, s.MoreSurfaceRetries, s.NoSurfaceAvailable, s.MaxPending, s.Pool,
	)
}

type counters struct {
	InputUnits         atomic.Uint64
	OutputUnits        atomic.Uint64
	KeyFrames          atomic.Uint64
	Renegotiations     atomic.Uint64
	BitrateChanges     atomic.Uint64
	BusyRetries        atomic.Uint64
	MoreSurfaceRetries atomic.Uint64
	NoSurfaceAvailable atomic.Uint64
	MaxPending         atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		InputUnits:         c.InputUnits.Load(),
		OutputUnits:        c.OutputUnits.Load(),
		KeyFrames:          c.KeyFrames.Load(),
		Renegotiations:     c.Renegotiations.Load(),
		BitrateChanges:     c.BitrateChanges.Load(),
		BusyRetries:        c.BusyRetries.Load(),
		MoreSurfaceRetries: c.MoreSurfaceRetries.Load(),
		NoSurfaceAvailable: c.NoSurfaceAvailable.Load(),
		MaxPending:         int(c.MaxPending.Load()),
	}
}

func (c *counters) observePending(n int) {
	for {
		cur := c.MaxPending.Load()
		if int64(n) <= cur || c.MaxPending.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
