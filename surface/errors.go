package surface

import (
	"fmt"
	"time"
)

// ErrNoSurfaceAvailable is returned when the bounded retry of Acquire ran
// out before any surface became free.
type ErrNoSurfaceAvailable struct {
	Purpose Purpose
	Waited  time.Duration
	Stats   Stats
}

func (e ErrNoSurfaceAvailable) Error() string {
	return fmt.Sprintf("no %s surface became available within %v (%s)", e.Purpose, e.Waited, e.Stats)
}

type ErrPoolClosed struct {
	Purpose Purpose
}

func (e ErrPoolClosed) Error() string {
	return fmt.Sprintf("the %s surface pool is closed", e.Purpose)
}

// ErrSurfacesInUse is returned by Destroy when a caller still holds a surface.
type ErrSurfacesInUse struct {
	Count int
}

func (e ErrSurfacesInUse) Error() string {
	return fmt.Sprintf("%d surfaces are still in use", e.Count)
}

type ErrForeignSurface struct {
	Surface *Surface
}

func (e ErrForeignSurface) Error() string {
	return fmt.Sprintf("%s does not belong to this pool", e.Surface)
}

type ErrInvalidTransition struct {
	Surface *Surface
	From    State
	To      State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Surface, e.From, e.To)
}
