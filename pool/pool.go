// pool.go implements a generic pool of reusable objects.

// Package pool provides a generic pool of reusable objects, used to
// recycle the buffers encoded units are received into.
package pool

import (
	"sync"

	"go.uber.org/atomic"
)

var ReuseMemory = true

type Pool[T any] struct {
	sync.Pool
	ResetFunc func(*T)

	allocations atomic.Uint64
	reuses      atomic.Uint64
}

func NewPool[T any](
	allocFunc func() *T,
	resetFunc func(*T),
) *Pool[T] {
	p := &Pool[T]{
		ResetFunc: resetFunc,
	}
	p.Pool.New = func() any {
		p.allocations.Inc()
		return allocFunc()
	}
	return p
}

func (p *Pool[T]) Get() *T {
	item := p.Pool.Get().(*T)
	p.reuses.Inc()
	return item
}

func (p *Pool[T]) Put(items ...*T) {
	if !ReuseMemory {
		return
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		if p.ResetFunc != nil {
			p.ResetFunc(item)
		}
		p.Pool.Put(item)
	}
}

// Allocations returns how many objects were allocated instead of reused.
func (p *Pool[T]) Allocations() uint64 {
	return p.allocations.Load()
}

// Gets returns how many objects were handed out.
func (p *Pool[T]) Gets() uint64 {
	return p.reuses.Load()
}
