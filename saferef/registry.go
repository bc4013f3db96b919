// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package saferef

import (
	"sync"
)

// Default is the registry maps are added to unless configured otherwise.
var Default = NewRegistry()

// Info is the type-erased view of a map, used for diagnostics.
type Info interface {
	Name() string
	Stats() Stats
}

// Registry tracks maps for diagnostics. Names need not be unique.
type Registry struct {
	maps []Info
	mu   sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(m Info) {
	r.mu.Lock()
	r.maps = append(r.maps, m)
	r.mu.Unlock()
}

// Maps returns all registered maps, in creation order.
func (r *Registry) Maps() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Info(nil), r.maps...)
}

// mapOptions holds configuration options for Map creation.
type mapOptions struct {
	registry *Registry
}

// Option configures a Map instance.
type Option interface {
	applyMap(*mapOptions)
}

// mapOptionImpl implements Option.
type mapOptionImpl struct {
	applyMapFunc func(*mapOptions)
}

func (o *mapOptionImpl) applyMap(opts *mapOptions) {
	o.applyMapFunc(opts)
}

// WithRegistry adds the map to r instead of [Default]. A nil registry means
// the map is not registered anywhere.
func WithRegistry(r *Registry) Option {
	return &mapOptionImpl{func(opts *mapOptions) {
		opts.registry = r
	}}
}

// resolveMapOptions applies Option instances to mapOptions.
func resolveMapOptions(opts []Option) *mapOptions {
	cfg := &mapOptions{registry: Default}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyMap(cfg)
	}
	return cfg
}
