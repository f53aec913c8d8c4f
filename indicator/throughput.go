// throughput.go implements a smoothed rate meter over a monotonic counter.

package indicator

import (
	"sync"
	"time"
)

// Throughput converts samples of a monotonic counter into a smoothed
// per-second rate.
type Throughput struct {
	locker    sync.Mutex
	average   MovingAverage[float64]
	lastValue uint64
	lastTS    time.Time
}

func NewThroughput(average MovingAverage[float64]) *Throughput {
	return &Throughput{average: average}
}

// Update accounts the current value of the counter and returns the
// smoothed rate. The first sample only sets the baseline and returns 0.
func (t *Throughput) Update(value uint64, now time.Time) float64 {
	t.locker.Lock()
	defer t.locker.Unlock()

	defer func() {
		t.lastValue = value
		t.lastTS = now
	}()
	if t.lastTS.IsZero() {
		return 0
	}
	elapsed := now.Sub(t.lastTS).Seconds()
	if elapsed <= 0 || value < t.lastValue {
		return 0
	}
	return t.average.Update(float64(value-t.lastValue) / elapsed)
}
