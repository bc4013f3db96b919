// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package saferef maps opaque reference values to objects, so that services
// can hand out handles to their internal state without exposing pointers.
//
// A [Ref] denotes exactly one object until the creator removes it. Removed
// references never resolve again, even though the underlying slot is reused:
// each slot carries a generation, which is part of the reference. References
// also carry a tag unique to the issuing [Map] among reachable maps, so a
// reference from one map never resolves in another. Tags are reused, round
// robin, only once their map has been garbage collected.
package saferef

import (
	"fmt"
	"iter"
	"runtime"
	"sync"

	"github.com/joeycumines/go-devrt/diag"
)

const component = "saferef"

// Ref layout, from the most significant bit: tag, generation, index.
const (
	indexBits = 24
	genBits   = 24
	tagBits   = 64 - indexBits - genBits

	indexMask = 1<<indexBits - 1
	genMask   = 1<<genBits - 1
	tagMask   = 1<<tagBits - 1

	// MaxEntries is the maximum number of live references in one map.
	MaxEntries = indexMask + 1
)

// Ref is an opaque reference. The zero value never resolves.
type Ref uint64

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("ref:%#x", uint64(r))
}

func (r Ref) index() uint32 { return uint32(r & indexMask) }
func (r Ref) gen() uint32   { return uint32(r>>indexBits) & genMask }
func (r Ref) tag() uint64   { return uint64(r>>(indexBits+genBits)) & tagMask }

func makeRef(tag uint64, gen, index uint32) Ref {
	return Ref(tag<<(indexBits+genBits) | uint64(gen)<<indexBits | uint64(index))
}

// tags allocates map tags round-robin, skipping those held by maps that are
// still reachable.
var tags struct {
	used map[uint64]struct{}
	mu   sync.Mutex
	last uint64
}

// acquireTag returns a non-zero tag, not held by any other map. Exhausting
// the tags is fatal.
func acquireTag() uint64 {
	tags.mu.Lock()
	defer tags.mu.Unlock()
	if tags.used == nil {
		tags.used = make(map[uint64]struct{})
	}
	for range tagMask + 1 {
		tags.last = (tags.last + 1) & tagMask
		if tags.last == 0 {
			continue
		}
		if _, ok := tags.used[tags.last]; !ok {
			tags.used[tags.last] = struct{}{}
			return tags.last
		}
	}
	diag.Fatalf(component, "all %d map tags in use", tagMask)
	return 0
}

func releaseTag(tag uint64) {
	tags.mu.Lock()
	delete(tags.used, tag)
	tags.mu.Unlock()
}

// Map is a safe reference map from [Ref] to T. It is safe for concurrent use.
type Map[T any] struct { // betteralign:ignore
	name     string
	expected int
	tag      uint64

	mu      sync.Mutex
	slots   []slot[T]
	free    []uint32
	live    int
	maxLive int
	created uint64
	removed uint64
}

type slot[T any] struct {
	value T
	// gen is the generation of the current (or next) binding, never zero.
	gen  uint32
	used bool
}

// Stats is a snapshot of a map's bookkeeping.
type Stats struct {
	Name          string
	ExpectedCount int
	Live          int
	MaxLive       int
	// Capacity is the number of slots allocated, live or free.
	Capacity int
	Created  uint64
	Removed  uint64
}

// CreateMap returns a new, empty map. expectedCount is a soft bound on the
// number of live references; exceeding it logs a warning. Unless overridden
// by [WithRegistry], the map is added to the [Default] registry.
func CreateMap[T any](name string, expectedCount int, opts ...Option) *Map[T] {
	if name == "" {
		diag.Fatalf(component, "map name must not be empty")
	}
	if expectedCount < 0 {
		diag.Fatalf(component, "map %q: negative expected count %d", name, expectedCount)
	}
	cfg := resolveMapOptions(opts)
	m := &Map[T]{
		name:     name,
		expected: expectedCount,
		tag:      acquireTag(),
		slots:    make([]slot[T], 0, min(expectedCount, MaxEntries)),
	}
	runtime.AddCleanup(m, releaseTag, m.tag)
	if cfg.registry != nil {
		cfg.registry.add(m)
	}
	return m
}

// Name returns the map's name.
func (m *Map[T]) Name() string { return m.name }

// CreateRef binds v to a fresh reference.
func (m *Map[T]) CreateRef(v T) Ref {
	m.mu.Lock()
	var index uint32
	if n := len(m.free); n > 0 {
		index = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		if len(m.slots) >= MaxEntries {
			m.mu.Unlock()
			diag.Fatalf(component, "map %q is full (%d entries)", m.name, MaxEntries)
		}
		index = uint32(len(m.slots))
		m.slots = append(m.slots, slot[T]{gen: 1})
	}
	s := &m.slots[index]
	s.value = v
	s.used = true
	ref := makeRef(m.tag, s.gen, index)
	m.live++
	m.maxLive = max(m.maxLive, m.live)
	m.created++
	live, over := m.live, m.expected > 0 && m.live > m.expected
	m.mu.Unlock()

	if over {
		diag.Warn(m).
			Str("map", m.name).
			Int("live", live).
			Int("expected", m.expected).
			Log("reference map exceeds expected count")
	}
	return ref
}

// Lookup returns the object bound to ref. ok is false if ref was never
// issued by this map, or has been removed.
func (m *Map[T]) Lookup(ref Ref) (v T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.resolveLocked(ref); s != nil {
		return s.value, true
	}
	return v, false
}

// Remove invalidates ref. Removing a reference which does not resolve (zero,
// stale, or issued by another map) is fatal.
func (m *Map[T]) Remove(ref Ref) {
	m.mu.Lock()
	s := m.resolveLocked(ref)
	if s == nil {
		m.mu.Unlock()
		diag.Fatalf(component, "map %q: remove of invalid reference %v", m.name, ref)
	}
	var zero T
	s.value = zero
	s.used = false
	s.gen++
	if s.gen&genMask == 0 {
		s.gen = 1
	}
	m.free = append(m.free, ref.index())
	m.live--
	m.removed++
	m.mu.Unlock()
}

// Len returns the number of live references.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// All iterates a snapshot of the live references, in slot order. The map may
// be modified during iteration.
func (m *Map[T]) All() iter.Seq2[Ref, T] {
	return func(yield func(Ref, T) bool) {
		type entry struct {
			value T
			ref   Ref
		}
		m.mu.Lock()
		entries := make([]entry, 0, m.live)
		for i := range m.slots {
			if s := &m.slots[i]; s.used {
				entries = append(entries, entry{s.value, makeRef(m.tag, s.gen, uint32(i))})
			}
		}
		m.mu.Unlock()
		for _, e := range entries {
			if !yield(e.ref, e.value) {
				return
			}
		}
	}
}

// Stats returns a snapshot of the map's counters.
func (m *Map[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Name:          m.name,
		ExpectedCount: m.expected,
		Live:          m.live,
		MaxLive:       m.maxLive,
		Capacity:      len(m.slots),
		Created:       m.created,
		Removed:       m.removed,
	}
}

func (m *Map[T]) resolveLocked(ref Ref) *slot[T] {
	if ref == 0 || ref.tag() != m.tag {
		return nil
	}
	i := ref.index()
	if int(i) >= len(m.slots) {
		return nil
	}
	s := &m.slots[i]
	if !s.used || s.gen != ref.gen() {
		return nil
	}
	return s
}
