// mama.go implements the MESA Adaptive Moving Average (MAMA).

package indicator

import (
	"sync"

	indicators "github.com/lmpizarro/go_ehlers_indicators"
	"golang.org/x/exp/constraints"
)

const (
	DefaultMAMAFastLimit = 0.5
	DefaultMAMASlowLimit = 0.05
)

// MAMA keeps the last len(window) values and returns the MAMA of them.
// Until the window is filled the input value is returned as is.
type MAMA[T constraints.Integer | constraints.Float] struct {
	FastLimit float64
	SlowLimit float64

	locker  sync.Mutex
	window  []float64
	ordered []float64
	next    int
	count   int
}

var _ MovingAverage[float64] = (*MAMA[float64])(nil)

func NewMAMADefault[T constraints.Integer | constraints.Float](n int) *MAMA[T] {
	return NewMAMA[T](n, DefaultMAMAFastLimit, DefaultMAMASlowLimit)
}

func NewMAMA[T constraints.Integer | constraints.Float](
	n int,
	fastLimit float64,
	slowLimit float64,
) *MAMA[T] {
	return &MAMA[T]{
		FastLimit: fastLimit,
		SlowLimit: slowLimit,
		window:    make([]float64, n),
		ordered:   make([]float64, n),
	}
}

func (m *MAMA[T]) Update(v T) T {
	m.locker.Lock()
	defer m.locker.Unlock()

	m.window[m.next] = float64(v)
	m.next = (m.next + 1) % len(m.window)
	m.count++
	if m.count < len(m.window) {
		return v
	}

	// oldest first
	n := copy(m.ordered, m.window[m.next:])
	copy(m.ordered[n:], m.window[:m.next])

	result := indicators.MAMA(m.ordered, m.FastLimit, m.SlowLimit)
	return T(result[len(result)-1])
}

func (m *MAMA[T]) InitPeriod() int64 {
	return int64(len(m.window))
}

func (m *MAMA[T]) Valid() bool {
	m.locker.Lock()
	defer m.locker.Unlock()
	return m.count >= len(m.window)
}
