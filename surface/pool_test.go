package surface

import (
	"context"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/metrics"
	"github.com/xaionaro-go/hwcodec/types"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func newTestCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelDebug)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { logger.Flush(ctx) })
	return ctx
}

type testAllocator struct {
	live  atomic.Int64
	freed atomic.Int64
}

func (a *testAllocator) AllocSurfaces(
	ctx context.Context,
	resp AllocResponse,
) ([]*Surface, error) {
	result := make([]*Surface, 0, resp.Count)
	for range resp.Count {
		result = append(result, New(resp.Info, make([]byte, resp.Info.FrameSize()), nil))
	}
	a.live.Add(int64(resp.Count))
	return result, nil
}

func (a *testAllocator) FreeSurfaces(
	ctx context.Context,
	surfaces []*Surface,
) error {
	a.live.Sub(int64(len(surfaces)))
	a.freed.Add(int64(len(surfaces)))
	return nil
}

func testResponse(purpose Purpose, count int) AllocResponse {
	return AllocResponse{Key: Key{
		Purpose: purpose,
		Info: types.FrameInfo{
			Resolution: types.Resolution{Width: 16, Height: 16},
			Format:     types.PixelFormatNV12,
		},
		Count: count,
	}}
}

func newTestPool(
	t *testing.T,
	alloc *testAllocator,
	count int,
	opts ...Option,
) *Pool {
	ctx := newTestCtx(t)
	p, err := NewPool(ctx, alloc, testResponse(PurposeDecodeOutput, count), opts...)
	require.NoError(t, err)
	return p
}

func TestNewAllocResponse(t *testing.T) {
	req := AllocRequest{Purpose: PurposeEncodeInput, NumMin: 2, NumSuggested: 3}
	require.Equal(t, 3, NewAllocResponse(req, 0).Count)
	require.Equal(t, 7, NewAllocResponse(req, 4).Count)

	req.NumSuggested = 1
	require.Equal(t, 2, NewAllocResponse(req, 0).Count)

	require.Equal(t, 1, NewAllocResponse(AllocRequest{}, 0).Count)
}

func TestAllocRequestMerge(t *testing.T) {
	a := AllocRequest{
		Purpose:      PurposeVPPOutput,
		Info:         types.FrameInfo{Resolution: types.Resolution{Width: 64, Height: 16}},
		NumMin:       1,
		NumSuggested: 2,
	}
	b := AllocRequest{
		Purpose:      PurposeEncodeInput,
		Info:         types.FrameInfo{Resolution: types.Resolution{Width: 32, Height: 48}},
		NumMin:       2,
		NumSuggested: 3,
	}
	m := a.Merge(b)
	require.Equal(t, PurposeVPPOutput, m.Purpose)
	require.Equal(t, 3, m.NumMin)
	require.Equal(t, 5, m.NumSuggested)
	require.Equal(t, types.Resolution{Width: 64, Height: 48}, m.Info.Resolution)
}

func TestNewPoolInvalidCount(t *testing.T) {
	ctx := newTestCtx(t)
	_, err := NewPool(ctx, &testAllocator{}, testResponse(PurposeDecodeOutput, 0))
	require.Error(t, err)
}

func TestPoolAcquireRelease(t *testing.T) {
	ctx := newTestCtx(t)
	alloc := &testAllocator{}
	p := newTestPool(t, alloc, 2, OptionMaxWait(0))
	require.Equal(t, 2, p.Len())
	require.Equal(t, Stats{Available: 2}, p.Stats(ctx))

	s0, err := p.Acquire(ctx)
	require.NoError(t, err)
	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s0.ID(), s1.ID())
	require.Same(t, p, s0.Pool())
	require.Equal(t, Stats{InUse: 2}, p.Stats(ctx))

	_, err = p.TryAcquire(ctx)
	require.ErrorAs(t, err, &ErrNoSurfaceAvailable{})

	require.NoError(t, p.Release(ctx, s0))
	st, err := p.StateOf(ctx, s0)
	require.NoError(t, err)
	require.Equal(t, StateAvailable, st)

	// releasing twice is a no-op
	require.NoError(t, p.Release(ctx, s0))
	require.Equal(t, Stats{Available: 1, InUse: 1}, p.Stats(ctx))
}

func TestPoolLockedSurfaceIsNotReissued(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 2, OptionMaxWait(5*time.Millisecond))

	s0, err := p.Acquire(ctx)
	require.NoError(t, err)
	s0.LockInc()
	require.NoError(t, p.Release(ctx, s0))
	st, err := p.StateOf(ctx, s0)
	require.NoError(t, err)
	require.Equal(t, StateLocked, st)

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s0.ID(), s1.ID())

	exhaustedBefore := testutil.ToFloat64(metrics.NoSurfaceAvailable.WithLabelValues(PurposeDecodeOutput.String()))
	_, err = p.Acquire(ctx)
	var errNoSurface ErrNoSurfaceAvailable
	require.ErrorAs(t, err, &errNoSurface)
	require.Equal(t, Stats{InUse: 1, Locked: 1}, errNoSurface.Stats)
	require.GreaterOrEqual(t, errNoSurface.Waited, 5*time.Millisecond)
	require.Equal(t, exhaustedBefore+1, testutil.ToFloat64(metrics.NoSurfaceAvailable.WithLabelValues(PurposeDecodeOutput.String())))

	require.Zero(t, s0.LockDec())
	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s0.ID(), s.ID())
}

func TestPoolAvailableButLockedSurfaceIsSkipped(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 2, OptionMaxWait(0))

	s0, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseToAvailable(ctx, s0))
	s0.LockInc()

	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s0.ID(), s1.ID())

	_, err = p.TryAcquire(ctx)
	require.ErrorAs(t, err, &ErrNoSurfaceAvailable{})
}

func TestPoolAcquireWaitsForUnlock(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 1, OptionMaxWait(time.Second))

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	s.LockInc()
	require.NoError(t, p.ReleaseToLocked(ctx, s))

	retriesBefore := testutil.ToFloat64(metrics.AcquireRetries.WithLabelValues(PurposeDecodeOutput.String()))
	time.AfterFunc(10*time.Millisecond, func() { s.LockDec() })

	got, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s.ID(), got.ID())
	require.Greater(t, testutil.ToFloat64(metrics.AcquireRetries.WithLabelValues(PurposeDecodeOutput.String())), retriesBefore)
}

func TestPoolInvalidTransitions(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 1)
	other := newTestPool(t, &testAllocator{}, 1)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseToAvailable(ctx, s))
	require.ErrorAs(t, p.ReleaseToLocked(ctx, s), &ErrInvalidTransition{})

	foreign, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.ErrorAs(t, p.Release(ctx, foreign), &ErrForeignSurface{})
	require.ErrorAs(t, p.Claim(ctx, foreign), &ErrForeignSurface{})
	require.ErrorAs(t, p.Release(ctx, New(s.Info, nil, nil)), &ErrForeignSurface{})
}

func TestPoolClaim(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 1)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	s.LockInc()
	require.NoError(t, p.Release(ctx, s))
	require.NoError(t, p.Claim(ctx, s))
	st, err := p.StateOf(ctx, s)
	require.NoError(t, err)
	require.Equal(t, StateInUse, st)
}

func TestPoolSweep(t *testing.T) {
	ctx := newTestCtx(t)
	p := newTestPool(t, &testAllocator{}, 3)

	var surfaces []*Surface
	for range 3 {
		s, err := p.Acquire(ctx)
		require.NoError(t, err)
		s.LockInc()
		require.NoError(t, p.Release(ctx, s))
		surfaces = append(surfaces, s)
	}
	require.Equal(t, Stats{Locked: 3}, p.Stats(ctx))

	surfaces[0].LockDec()
	surfaces[2].LockDec()
	require.Equal(t, 2, p.Sweep(ctx))
	require.Equal(t, Stats{Available: 2, Locked: 1}, p.Stats(ctx))
}

func TestPoolDestroy(t *testing.T) {
	ctx := newTestCtx(t)
	alloc := &testAllocator{}
	destroyed := 0
	p := newTestPool(t, alloc, 2, OptionOnDestroy(func(context.Context) { destroyed++ }))

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	var errInUse ErrSurfacesInUse
	require.ErrorAs(t, p.Destroy(ctx), &errInUse)
	require.Equal(t, 1, errInUse.Count)
	require.False(t, p.IsDestroyed(ctx))

	require.NoError(t, p.Release(ctx, s))
	require.NoError(t, p.Destroy(ctx))
	require.True(t, p.IsDestroyed(ctx))
	require.Zero(t, alloc.live.Load())
	require.Equal(t, 1, destroyed)

	require.NoError(t, p.Destroy(ctx))
	require.Equal(t, 1, destroyed)

	_, err = p.TryAcquire(ctx)
	require.ErrorAs(t, err, &ErrPoolClosed{})
	require.ErrorAs(t, p.Release(ctx, s), &ErrPoolClosed{})
}

func TestPoolRetire(t *testing.T) {
	ctx := newTestCtx(t)
	alloc := &testAllocator{}
	p := newTestPool(t, alloc, 2)

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Retire(ctx))
	require.False(t, p.IsDestroyed(ctx))
	require.Equal(t, int64(2), alloc.live.Load())

	_, err = p.TryAcquire(ctx)
	require.ErrorAs(t, err, &ErrPoolClosed{})

	require.NoError(t, p.Release(ctx, s))
	require.True(t, p.IsDestroyed(ctx))
	require.Zero(t, alloc.live.Load())
	require.Equal(t, int64(2), alloc.freed.Load())
}

func TestPoolRetireIdle(t *testing.T) {
	ctx := newTestCtx(t)
	alloc := &testAllocator{}
	p := newTestPool(t, alloc, 2)
	require.NoError(t, p.Retire(ctx))
	require.True(t, p.IsDestroyed(ctx))
	require.Zero(t, alloc.live.Load())
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	ctx := newTestCtx(t)
	CheckInvariants = true
	defer func() { CheckInvariants = false }()

	alloc := &testAllocator{}
	p := newTestPool(t, alloc, 4, OptionMaxWait(5*time.Second))

	var inUse, maxInUse atomic.Int32
	var wg errgroup.Group
	for worker := range 8 {
		wg.Go(func() error {
			for iteration := range 100 {
				s, err := p.Acquire(ctx)
				if err != nil {
					return err
				}
				cur := inUse.Inc()
				for {
					prev := maxInUse.Load()
					if cur <= prev || maxInUse.CompareAndSwap(prev, cur) {
						break
					}
				}
				locked := (worker+iteration)%3 == 0
				if locked {
					s.LockInc()
				}
				inUse.Dec()
				if err := p.Release(ctx, s); err != nil {
					return err
				}
				if locked {
					s.LockDec()
				}
			}
			return nil
		})
	}
	require.NoError(t, wg.Wait())

	require.LessOrEqual(t, maxInUse.Load(), int32(4))
	p.Sweep(ctx)
	require.Equal(t, Stats{Available: 4}, p.Stats(ctx))
	require.NoError(t, p.Destroy(ctx))
	require.Zero(t, alloc.live.Load())
}
