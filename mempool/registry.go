// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-devrt/diag"
)

var (
	// ErrAlreadyExists is returned when creating a pool with a name that is
	// already registered.
	ErrAlreadyExists = errors.New("mempool: pool already exists")

	// ErrInvalidName is returned when creating a pool with an empty name.
	ErrInvalidName = errors.New("mempool: pool name must not be empty")
)

// Default is the process-wide registry.
var Default = NewRegistry()

// Info is the type-erased view of a pool, used for diagnostics.
type Info interface {
	Name() string
	ElementSize() int
	Stats() Stats
}

// Registry names pools. Names are unique within a registry.
type Registry struct {
	pools map[string]Info
	order []Info
	mu    sync.RWMutex
}

// NewRegistry returns an empty registry. Most programs use [Default].
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Info)}
}

// New creates and registers a pool of T. A nil registry means [Default].
func New[T any](r *Registry, name string, opts ...Option) (*Pool[T], error) {
	if r == nil {
		r = Default
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	p, err := newPool[T](name, cfg)
	if err != nil {
		return nil, err
	}
	r.pools[name] = p
	r.order = append(r.order, p)
	return p, nil
}

// CreatePool creates a pool of byte blocks, each elementSize bytes long, in
// the registry.
func (r *Registry) CreatePool(name string, elementSize int, opts ...Option) (*Pool[[]byte], error) {
	if elementSize <= 0 {
		return nil, fmt.Errorf("mempool: element size must be positive, got %d", elementSize)
	}
	opts = append([]Option{
		withElementSize(elementSize),
		WithInit(func(b *[]byte) { *b = make([]byte, elementSize) }),
		WithReset(func(b *[]byte) { clear(*b) }),
	}, opts...)
	return New[[]byte](r, name, opts...)
}

// CreatePool creates a byte-block pool in the [Default] registry.
func CreatePool(name string, elementSize int, opts ...Option) (*Pool[[]byte], error) {
	return Default.CreatePool(name, elementSize, opts...)
}

// MustNew is like [New], but a failure is fatal. Intended for package-level
// pools created during initialization.
func MustNew[T any](r *Registry, name string, opts ...Option) *Pool[T] {
	p, err := New[T](r, name, opts...)
	if err != nil {
		diag.Fatalf(component, "create pool %q: %v", name, err)
	}
	return p
}

// Find returns the pool registered under name.
func (r *Registry) Find(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Find returns the pool of T registered under name in r (or [Default]).
func Find[T any](r *Registry, name string) (*Pool[T], bool) {
	if r == nil {
		r = Default
	}
	info, ok := r.Find(name)
	if !ok {
		return nil, false
	}
	p, ok := info.(*Pool[T])
	return p, ok
}

// Pools returns every registered pool, in creation order.
func (r *Registry) Pools() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Info(nil), r.order...)
}
