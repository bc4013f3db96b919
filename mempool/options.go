// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mempool

import (
	"fmt"
)

// poolOptions holds configuration options for Pool creation.
type poolOptions struct {
	destructor    any
	reset         any
	init          any
	elementSize   int
	growBy        int
	maxBlocks     int
	initialBlocks int
}

// Option configures a Pool instance.
type Option interface {
	applyPool(*poolOptions) error
}

// poolOptionImpl implements Option.
type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyPoolFunc(opts)
}

// WithDestructor sets the function run with an object's value when its
// reference count reaches zero, before the block is returned to the pool.
// The type parameter must match the pool's element type.
func WithDestructor[T any](fn func(*T)) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.destructor = fn
		return nil
	}}
}

// WithReset sets the function used to clear a value when its block returns to
// the pool. The default assigns the zero value.
func WithReset[T any](fn func(*T)) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.reset = fn
		return nil
	}}
}

// WithInit sets a function run once on every new block, when the pool grows.
func WithInit[T any](fn func(*T)) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.init = fn
		return nil
	}}
}

// WithGrowBy sets how many blocks are added each time Alloc finds the pool
// empty.
func WithGrowBy(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n <= 0 {
			return fmt.Errorf("mempool: grow-by must be positive, got %d", n)
		}
		opts.growBy = n
		return nil
	}}
}

// WithMaxBlocks bounds the number of blocks a pool may own. Alloc beyond the
// bound is fatal; TryAlloc reports false. Zero means unbounded.
func WithMaxBlocks(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n < 0 {
			return fmt.Errorf("mempool: max blocks must not be negative, got %d", n)
		}
		opts.maxBlocks = n
		return nil
	}}
}

// WithInitialBlocks pre-allocates n free blocks.
func WithInitialBlocks(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n < 0 {
			return fmt.Errorf("mempool: initial blocks must not be negative, got %d", n)
		}
		opts.initialBlocks = n
		return nil
	}}
}

// withElementSize overrides the element size reported for byte pools.
func withElementSize(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.elementSize = n
		return nil
	}}
}

// resolvePoolOptions applies Option instances to poolOptions.
func resolvePoolOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func castHook[T any](name string, v any) (func(*T), error) {
	if v == nil {
		return nil, nil
	}
	fn, ok := v.(func(*T))
	if !ok {
		var zero T
		return nil, fmt.Errorf("mempool: %s has type %T, expected func(*%T)", name, v, zero)
	}
	return fn, nil
}
