// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mempool

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-devrt/diag"
)

const component = "mempool"

// defaultGrowBy is the number of blocks added each time an empty pool must
// grow to satisfy Alloc.
const defaultGrowBy = 1

// Pool is a named, process-wide pool of fixed-size blocks holding values of
// type T. Pools are never destroyed.
//
// A Pool is safe for concurrent use. Each allocated [Object] is reference
// counted; see [Object.AddRef] and [Object.Release].
type Pool[T any] struct { // betteralign:ignore
	name        string
	elementSize int

	mu       sync.Mutex
	free     []*Object[T]
	total    int
	inUse    int
	maxInUse int
	allocs   uint64
	growths  uint64

	growBy     int
	maxBlocks  int
	destructor func(*T)
	reset      func(*T)
	init       func(*T)
}

// Object is a block allocated from a [Pool]. The zero value is not owned by
// any pool, and every operation on it is fatal.
type Object[T any] struct {
	value T
	pool  *Pool[T]
	refs  atomic.Int32
}

// Stats is a snapshot of a pool's bookkeeping.
type Stats struct {
	Name        string
	ElementSize int
	// TotalBlocks is the number of blocks the pool owns (free + in use).
	TotalBlocks int
	FreeBlocks  int
	InUse       int
	MaxInUse    int
	// Allocs counts successful Alloc and TryAlloc calls.
	Allocs uint64
	// Growths counts the times Alloc had to grow the pool.
	Growths uint64
}

func newPool[T any](name string, cfg *poolOptions) (*Pool[T], error) {
	p := &Pool[T]{
		name:      name,
		growBy:    cfg.growBy,
		maxBlocks: cfg.maxBlocks,
	}
	if cfg.elementSize > 0 {
		p.elementSize = cfg.elementSize
	} else {
		var zero T
		p.elementSize = int(unsafe.Sizeof(zero))
	}
	if p.growBy <= 0 {
		p.growBy = defaultGrowBy
	}
	var err error
	if p.destructor, err = castHook[T]("destructor", cfg.destructor); err != nil {
		return nil, err
	}
	if p.reset, err = castHook[T]("reset", cfg.reset); err != nil {
		return nil, err
	}
	if p.init, err = castHook[T]("init", cfg.init); err != nil {
		return nil, err
	}
	if cfg.initialBlocks > 0 {
		p.Expand(cfg.initialBlocks)
	}
	return p, nil
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string { return p.name }

// ElementSize returns the size in bytes of each block's payload.
func (p *Pool[T]) ElementSize() int { return p.elementSize }

// SetDestructor sets the function called with an object's value when its
// reference count reaches zero. It may itself release other objects.
func (p *Pool[T]) SetDestructor(fn func(*T)) {
	p.mu.Lock()
	p.destructor = fn
	p.mu.Unlock()
}

// Expand adds n free blocks to the pool, bounded by any configured maximum.
func (p *Pool[T]) Expand(n int) *Pool[T] {
	if p == nil {
		diag.Fatalf(component, "expand of nil pool")
	}
	p.mu.Lock()
	p.growLocked(n)
	p.mu.Unlock()
	return p
}

// Alloc returns a block with a reference count of one, growing the pool when
// no free block exists. Exceeding a configured maximum is fatal.
func (p *Pool[T]) Alloc() *Object[T] {
	if p == nil {
		diag.Fatalf(component, "alloc from nil pool")
	}
	p.mu.Lock()
	if len(p.free) == 0 {
		if p.growLocked(p.growBy) == 0 {
			total := p.total
			p.mu.Unlock()
			diag.Fatalf(component, "pool %q exhausted at %d blocks", p.name, total)
		}
		p.growths++
	}
	o := p.takeLocked()
	p.mu.Unlock()
	return o
}

// TryAlloc returns a free block, if one exists, without growing the pool.
func (p *Pool[T]) TryAlloc() (*Object[T], bool) {
	if p == nil {
		diag.Fatalf(component, "alloc from nil pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	return p.takeLocked(), true
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:        p.name,
		ElementSize: p.elementSize,
		TotalBlocks: p.total,
		FreeBlocks:  len(p.free),
		InUse:       p.inUse,
		MaxInUse:    p.maxInUse,
		Allocs:      p.allocs,
		Growths:     p.growths,
	}
}

// growLocked allocates up to n contiguous blocks, returning how many were
// added.
func (p *Pool[T]) growLocked(n int) int {
	if p.maxBlocks > 0 {
		n = min(n, p.maxBlocks-p.total)
	}
	if n <= 0 {
		return 0
	}
	slab := make([]Object[T], n)
	for i := range slab {
		o := &slab[i]
		o.pool = p
		if p.init != nil {
			p.init(&o.value)
		}
		p.free = append(p.free, o)
	}
	p.total += n
	return n
}

func (p *Pool[T]) takeLocked() *Object[T] {
	last := len(p.free) - 1
	o := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	p.inUse++
	p.maxInUse = max(p.maxInUse, p.inUse)
	p.allocs++
	o.refs.Store(1)
	return o
}

// put resets the value and returns the block to the free set.
func (p *Pool[T]) put(o *Object[T]) {
	if p.reset != nil {
		p.reset(&o.value)
	} else {
		var zero T
		o.value = zero
	}
	p.mu.Lock()
	p.free = append(p.free, o)
	p.inUse--
	p.mu.Unlock()
}

// Pool returns the pool that owns o.
func (o *Object[T]) Pool() *Pool[T] {
	return o.owner("pool")
}

// Ptr returns a pointer to the block's value. It is fatal to call Ptr on an
// object which has been released.
func (o *Object[T]) Ptr() *T {
	o.owner("ptr")
	if o.refs.Load() <= 0 {
		diag.Fatalf(component, "use of released %q block", o.pool.name)
	}
	return &o.value
}

// RefCount returns the current reference count.
func (o *Object[T]) RefCount() int {
	o.owner("refcount")
	return int(o.refs.Load())
}

// AddRef increments the reference count.
func (o *Object[T]) AddRef() {
	p := o.owner("add-ref")
	if o.refs.Add(1) <= 1 {
		o.refs.Add(-1)
		diag.Fatalf(component, "add-ref on released %q block", p.name)
	}
}

// Release decrements the reference count, destroying the object (running the
// pool's destructor, then returning the block) when it reaches zero.
// Releasing an object whose count is already zero is fatal.
func (o *Object[T]) Release() {
	p := o.owner("release")
	switch n := o.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		o.refs.Add(1)
		diag.Fatalf(component, "release of %q block with zero reference count", p.name)
	}
	p.mu.Lock()
	destructor := p.destructor
	p.mu.Unlock()
	if destructor == nil {
		p.put(o)
		return
	}
	finalize(o)
}

// finalize implements finalizer.
func (o *Object[T]) finalize() {
	p := o.pool
	p.mu.Lock()
	destructor := p.destructor
	p.mu.Unlock()
	if destructor != nil {
		destructor(&o.value)
	}
	p.put(o)
}

func (o *Object[T]) owner(op string) *Pool[T] {
	if o == nil || o.pool == nil {
		diag.Fatalf(component, "%s of object not owned by any pool", op)
	}
	return o.pool
}
