// pool.go implements the three-set surface pool of one allocation response.

package surface

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/hwcodec/internal"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/xsync"
)

// CheckInvariants enables the (linear) verification of the set partition
// after every transition.
var CheckInvariants = false

const noIndex = -1

type entry struct {
	surface *Surface
	state   State
	prev    int
	next    int
}

type set struct {
	head int
	tail int
	len  int
}

// Pool hands out and reclaims the surfaces of exactly one allocation
// response. All transitions are serialized by a single mutex, since
// surfaces are released both by the codec driver loop and by the host
// (possibly from another goroutine).
type Pool struct {
	locker    xsync.Mutex
	response  AllocResponse
	allocator Allocator
	config    config
	entries   []entry
	sets      [endOfState]set
	retired   bool
	destroyed bool
}

func NewPool(
	ctx context.Context,
	allocator Allocator,
	response AllocResponse,
	opts ...Option,
) (_ret *Pool, _err error) {
	logger.Debugf(ctx, "NewPool(ctx, %s)", response.Key)
	defer func() { logger.Debugf(ctx, "/NewPool(ctx, %s): %v", response.Key, _err) }()

	if response.Count <= 0 {
		return nil, fmt.Errorf("invalid surface count %d", response.Count)
	}
	surfaces, err := allocator.AllocSurfaces(ctx, response)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate %d surfaces %s: %w", response.Count, response.Info, err)
	}
	if len(surfaces) != response.Count {
		_ = allocator.FreeSurfaces(ctx, surfaces)
		return nil, fmt.Errorf("the allocator returned %d surfaces instead of %d", len(surfaces), response.Count)
	}

	p := &Pool{
		response:  response,
		allocator: allocator,
		config:    Options(opts).config(),
		entries:   make([]entry, len(surfaces)),
	}
	for st := range p.sets {
		p.sets[st] = set{head: noIndex, tail: noIndex}
	}
	for idx, s := range surfaces {
		s.pool = p
		s.index = idx
		p.entries[idx] = entry{
			surface: s,
			state:   stateDetached,
			prev:    noIndex,
			next:    noIndex,
		}
		p.linkLocked(idx, StateAvailable)
	}
	return p, nil
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool(%s)", p.response.Key)
}

func (p *Pool) Response() AllocResponse {
	return p.response
}

func (p *Pool) Len() int {
	return len(p.entries)
}

func (p *Pool) purposeLabel() string {
	return p.response.Purpose.String()
}

func (p *Pool) linkLocked(idx int, st State) {
	e := &p.entries[idx]
	s := &p.sets[st]
	e.state = st
	e.prev = s.tail
	e.next = noIndex
	if s.tail != noIndex {
		p.entries[s.tail].next = idx
	} else {
		s.head = idx
	}
	s.tail = idx
	s.len++
	metrics.Surfaces.WithLabelValues(p.purposeLabel(), st.String()).Inc()
}

func (p *Pool) unlinkLocked(idx int) {
	e := &p.entries[idx]
	if e.state == stateDetached {
		return
	}
	s := &p.sets[e.state]
	if e.prev != noIndex {
		p.entries[e.prev].next = e.next
	} else {
		s.head = e.next
	}
	if e.next != noIndex {
		p.entries[e.next].prev = e.prev
	} else {
		s.tail = e.prev
	}
	s.len--
	metrics.Surfaces.WithLabelValues(p.purposeLabel(), e.state.String()).Dec()
	e.state = stateDetached
	e.prev = noIndex
	e.next = noIndex
}

func (p *Pool) moveLocked(ctx context.Context, idx int, to State) {
	p.unlinkLocked(idx)
	p.linkLocked(idx, to)
	if CheckInvariants {
		p.checkInvariantsLocked(ctx)
	}
}

func (p *Pool) checkInvariantsLocked(ctx context.Context) {
	var counts [endOfState]int
	for idx := range p.entries {
		st := p.entries[idx].state
		if p.destroyed {
			internal.Assert(ctx, st == stateDetached, "surface #%d of a destroyed pool is %s", idx, st)
			continue
		}
		internal.Assert(ctx, st < endOfState, "surface #%d is in no set", idx)
		counts[st]++
	}
	for st := range p.sets {
		n := 0
		for idx := p.sets[st].head; idx != noIndex; idx = p.entries[idx].next {
			internal.Assert(ctx, p.entries[idx].state == State(st), "surface #%d is linked into %s, but tagged %s", idx, State(st), p.entries[idx].state)
			n++
		}
		internal.Assert(ctx, n == p.sets[st].len && n == counts[st], "set %s: linked:%d, len:%d, tagged:%d", State(st), n, p.sets[st].len, counts[st])
	}
}

func (p *Pool) indexOfLocked(s *Surface) (int, error) {
	if s == nil || s.pool != p || s.index < 0 || s.index >= len(p.entries) || p.entries[s.index].surface != s {
		return noIndex, ErrForeignSurface{Surface: s}
	}
	return s.index, nil
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		Available: p.sets[StateAvailable].len,
		InUse:     p.sets[StateInUse].len,
		Locked:    p.sets[StateLocked].len,
	}
}

func (p *Pool) Stats(ctx context.Context) Stats {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, p.statsLocked)
}

// StateOf returns the set the surface currently belongs to.
func (p *Pool) StateOf(ctx context.Context, s *Surface) (State, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &p.locker, func() (State, error) {
		idx, err := p.indexOfLocked(s)
		if err != nil {
			return stateDetached, err
		}
		return p.entries[idx].state, nil
	})
}

func (p *Pool) sweepLocked(ctx context.Context) int {
	count := 0
	for idx := p.sets[StateLocked].head; idx != noIndex; {
		next := p.entries[idx].next
		if p.entries[idx].surface.Locked() == 0 {
			p.moveLocked(ctx, idx, StateAvailable)
			count++
		}
		idx = next
	}
	return count
}

// Sweep moves every locked surface whose device lock dropped to zero
// back to the available set.
func (p *Pool) Sweep(ctx context.Context) int {
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &p.locker, p.sweepLocked, ctx)
}

func (p *Pool) takeAvailableLocked(ctx context.Context) *Surface {
	for idx := p.sets[StateAvailable].head; idx != noIndex; idx = p.entries[idx].next {
		s := p.entries[idx].surface
		if s.Locked() != 0 {
			continue
		}
		p.moveLocked(ctx, idx, StateInUse)
		return s
	}
	return nil
}

func (p *Pool) tryAcquireLocked(ctx context.Context) (*Surface, error) {
	if p.retired || p.destroyed {
		return nil, ErrPoolClosed{Purpose: p.response.Purpose}
	}
	if s := p.takeAvailableLocked(ctx); s != nil {
		return s, nil
	}
	if p.sweepLocked(ctx) == 0 {
		return nil, nil
	}
	return p.takeAvailableLocked(ctx), nil
}

// TryAcquire is the non-blocking version of Acquire.
func (p *Pool) TryAcquire(ctx context.Context) (*Surface, error) {
	s, err := xsync.DoA1R2(xsync.WithNoLogging(ctx, true), &p.locker, p.tryAcquireLocked, ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSurfaceAvailable{
			Purpose: p.response.Purpose,
			Stats:   p.Stats(ctx),
		}
	}
	return s, nil
}

// Acquire returns an available surface with a zero device lock and moves
// it to the in-use set. If there is none, it sweeps the locked set and
// retries every RetryInterval until MaxWait elapses, then returns
// ErrNoSurfaceAvailable.
func (p *Pool) Acquire(ctx context.Context) (_ret *Surface, _err error) {
	logger.Tracef(ctx, "Acquire")
	defer func() { logger.Tracef(ctx, "/Acquire: %v %v", _ret, _err) }()

	startTS := time.Now()
	deadline := startTS.Add(p.config.MaxWait)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		s, err := xsync.DoA1R2(xsync.WithNoLogging(ctx, true), &p.locker, p.tryAcquireLocked, ctx)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			metrics.NoSurfaceAvailable.WithLabelValues(p.purposeLabel()).Inc()
			return nil, ErrNoSurfaceAvailable{
				Purpose: p.response.Purpose,
				Waited:  now.Sub(startTS),
				Stats:   p.Stats(ctx),
			}
		}
		metrics.AcquireRetries.WithLabelValues(p.purposeLabel()).Inc()
		sleep := min(p.config.RetryInterval, deadline.Sub(now))
		if timer == nil {
			timer = time.NewTimer(sleep)
		} else {
			timer.Reset(sleep)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pool) releaseLocked(
	ctx context.Context,
	s *Surface,
	to State,
) (_toFree []*Surface, _err error) {
	idx, err := p.indexOfLocked(s)
	if err != nil {
		return nil, err
	}
	if p.destroyed {
		return nil, ErrPoolClosed{Purpose: p.response.Purpose}
	}
	from := p.entries[idx].state
	switch {
	case from == to:
		return nil, nil
	case to == StateLocked && from == StateInUse:
	case to == StateAvailable && (from == StateInUse || from == StateLocked):
	default:
		return nil, ErrInvalidTransition{Surface: s, From: from, To: to}
	}
	p.moveLocked(ctx, idx, to)
	if p.retired && p.sets[StateInUse].len == 0 {
		return p.detachAllLocked(), nil
	}
	return nil, nil
}

func (p *Pool) release(ctx context.Context, s *Surface, to State) error {
	toFree, err := xsync.DoA3R2(xsync.WithNoLogging(ctx, true), &p.locker, p.releaseLocked, ctx, s, to)
	if err != nil {
		return err
	}
	if toFree != nil {
		return p.free(ctx, toFree)
	}
	return nil
}

// ReleaseToLocked moves an in-use surface to the locked set: the caller
// no longer needs it, but the device still references it.
func (p *Pool) ReleaseToLocked(ctx context.Context, s *Surface) error {
	return p.release(ctx, s, StateLocked)
}

// ReleaseToAvailable moves a surface the device is known to be done with
// directly to the available set.
func (p *Pool) ReleaseToAvailable(ctx context.Context, s *Surface) error {
	return p.release(ctx, s, StateAvailable)
}

// Release returns a surface the caller no longer needs, choosing the
// target set by the device-visible lock counter.
func (p *Pool) Release(ctx context.Context, s *Surface) error {
	if s.Locked() > 0 {
		return p.ReleaseToLocked(ctx, s)
	}
	return p.ReleaseToAvailable(ctx, s)
}

// Claim moves a surface back to the in-use set: the device re-emitted a
// surface it was holding as an output.
func (p *Pool) Claim(ctx context.Context, s *Surface) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() error {
		idx, err := p.indexOfLocked(s)
		if err != nil {
			return err
		}
		if p.destroyed {
			return ErrPoolClosed{Purpose: p.response.Purpose}
		}
		if p.entries[idx].state != StateInUse {
			p.moveLocked(ctx, idx, StateInUse)
		}
		return nil
	})
}

func (p *Pool) detachAllLocked() []*Surface {
	surfaces := make([]*Surface, 0, len(p.entries))
	for idx := range p.entries {
		p.unlinkLocked(idx)
		surfaces = append(surfaces, p.entries[idx].surface)
	}
	p.destroyed = true
	return surfaces
}

func (p *Pool) free(ctx context.Context, surfaces []*Surface) (_err error) {
	logger.Debugf(ctx, "freeing %d surfaces of %s", len(surfaces), p)
	defer func() { logger.Debugf(ctx, "/freeing %d surfaces of %s: %v", len(surfaces), p, _err) }()
	err := p.allocator.FreeSurfaces(ctx, surfaces)
	if p.config.OnDestroy != nil {
		p.config.OnDestroy(ctx)
	}
	if err != nil {
		return fmt.Errorf("unable to free the surfaces: %w", err)
	}
	return nil
}

// Destroy frees all the surfaces. It is valid only when no surface is in use.
func (p *Pool) Destroy(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Destroy: %s", p)
	defer func() { logger.Debugf(ctx, "/Destroy: %s: %v", p, _err) }()
	toFree, err := xsync.DoR2(ctx, &p.locker, func() ([]*Surface, error) {
		if p.destroyed {
			return nil, nil
		}
		if n := p.sets[StateInUse].len; n > 0 {
			return nil, ErrSurfacesInUse{Count: n}
		}
		return p.detachAllLocked(), nil
	})
	if err != nil || toFree == nil {
		return err
	}
	return p.free(ctx, toFree)
}

// Retire stops handing out surfaces and destroys the pool as soon as the
// last in-use surface is returned (immediately, if none is in use). It
// must be called only after the device stopped referencing the surfaces.
func (p *Pool) Retire(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Retire: %s", p)
	defer func() { logger.Debugf(ctx, "/Retire: %s: %v", p, _err) }()
	toFree := xsync.DoR1(ctx, &p.locker, func() []*Surface {
		if p.destroyed {
			return nil
		}
		p.retired = true
		if p.sets[StateInUse].len > 0 {
			logger.Debugf(ctx, "%d surfaces are still in use, postponing the destruction", p.sets[StateInUse].len)
			return nil
		}
		return p.detachAllLocked()
	})
	if toFree == nil {
		return nil
	}
	return p.free(ctx, toFree)
}

func (p *Pool) IsDestroyed(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() bool {
		return p.destroyed
	})
}
