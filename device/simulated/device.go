// device.go implements the simulated accelerator.

// Package simulated implements a deterministic in-process accelerator.
//
// It behaves like an asynchronous hardware device: submitted operations
// complete after a configurable latency, surfaces stay locked for a while
// after completion, joined sessions share one bounded command queue, the
// decoder reorders, the encoder buffers B-frames and failures can be
// injected through Faults.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/surface"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Device struct {
	Config Config
	Faults Faults

	topologyLocker xsync.Mutex

	lastSessionID atomic.Uint64
	openSessions  atomic.Int64
	liveSurfaces  atomic.Int64
	totalAllocs   atomic.Int64
}

var _ device.Device = (*Device)(nil)

func New(cfg Config) *Device {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = 1
	}
	return &Device{Config: cfg}
}

func (d *Device) String() string {
	return "simulated"
}

func (d *Device) OpenSession(
	ctx context.Context,
	hardware bool,
) (_ret device.Session, _err error) {
	logger.Debugf(ctx, "OpenSession(ctx, %t)", hardware)
	defer func() { logger.Debugf(ctx, "/OpenSession(ctx, %t): %v %v", hardware, _ret, _err) }()
	if d.Faults.FailOpen.Load() {
		return nil, device.ErrStatus{Status: device.StatusDeviceFailed}
	}
	if hardware && !d.Config.HardwareAvailable {
		return nil, device.ErrStatus{Status: device.StatusUnsupported}
	}
	s := &Session{
		device:   d,
		id:       d.lastSessionID.Inc(),
		hardware: hardware,
		closing:  make(chan struct{}),
		children: map[*Session]struct{}{},
	}
	s.queue = newQueue(d.Config.QueueCapacity)
	d.openSessions.Inc()
	return s, nil
}

// OpenSessions returns the amount of sessions not closed yet.
func (d *Device) OpenSessions() int {
	return int(d.openSessions.Load())
}

// LiveSurfaces returns the amount of allocated and not freed surfaces.
func (d *Device) LiveSurfaces() int {
	return int(d.liveSurfaces.Load())
}

// TotalAllocations returns how many surface sets were ever allocated.
func (d *Device) TotalAllocations() int {
	return int(d.totalAllocs.Load())
}

type queue struct {
	capacity int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity}
}

func (q *queue) tryTake() bool {
	for {
		cur := q.inFlight.Load()
		if int(cur) >= q.capacity {
			return false
		}
		if q.inFlight.CompareAndSwap(cur, cur+1) {
			for {
				seen := q.maxSeen.Load()
				if cur+1 <= seen || q.maxSeen.CompareAndSwap(seen, cur+1) {
					return true
				}
			}
		}
	}
}

func (q *queue) done() {
	q.inFlight.Dec()
}

type syncPoint struct {
	id     uint64
	done   chan struct{}
	status device.Status
	once   sync.Once
}

var _ device.SyncPoint = (*syncPoint)(nil)

func (sp *syncPoint) String() string {
	return fmt.Sprintf("SyncPoint(%d)", sp.id)
}

func (sp *syncPoint) complete(status device.Status) bool {
	completed := false
	sp.once.Do(func() {
		sp.status = status
		close(sp.done)
		completed = true
	})
	return completed
}

func (d *Device) alignedInfo(req surface.AllocRequest) surface.AllocRequest {
	align := d.Config.Alignment
	info := req.Info
	if info.Crop.Width == 0 || info.Crop.Height == 0 {
		info.Crop = info.Resolution
	}
	info.Width = (info.Width + align - 1) / align * align
	info.Height = (info.Height + align - 1) / align * align
	req.Info = info
	return req
}
