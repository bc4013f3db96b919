// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package saferef

import (
	"bytes"
	"math/rand/v2"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var logs syncBuffer

func TestMain(m *testing.M) {
	diag.SetLogger(diag.NewLogger(&logs, logiface.LevelDebug))
	os.Exit(m.Run())
}

func requireFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		_, ok := diag.AsFatal(recover())
		require.True(t, ok, "expected fatal error")
	}()
	fn()
}

func newMap[T any](t *testing.T, expected int) *Map[T] {
	return CreateMap[T](t.Name(), expected, WithRegistry(nil))
}

func TestScenario_CreateLookupRemove(t *testing.T) {
	m := newMap[*int](t, 4)
	x := new(int)

	ref := m.CreateRef(x)
	require.NotZero(t, ref)

	got, ok := m.Lookup(ref)
	require.True(t, ok)
	assert.Same(t, x, got)

	m.Remove(ref)
	_, ok = m.Lookup(ref)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestRemovedRefNeverResolvesAfterSlotReuse(t *testing.T) {
	m := newMap[string](t, 1)
	old := m.CreateRef("a")
	m.Remove(old)

	fresh := m.CreateRef("b")
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, old.index(), fresh.index(), "slot reused")
	assert.Equal(t, 1, m.Stats().Capacity)

	_, ok := m.Lookup(old)
	assert.False(t, ok)
	v, ok := m.Lookup(fresh)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestRefsFromAnotherMapNeverResolve(t *testing.T) {
	a := CreateMap[int]("a", 0, WithRegistry(nil))
	b := CreateMap[int]("b", 0, WithRegistry(nil))
	ra := a.CreateRef(1)
	rb := b.CreateRef(2)
	assert.Equal(t, ra.index(), rb.index())
	assert.Equal(t, ra.gen(), rb.gen())

	_, ok := b.Lookup(ra)
	assert.False(t, ok)
	_, ok = a.Lookup(rb)
	assert.False(t, ok)
	requireFatal(t, func() { b.Remove(ra) })
	assert.Equal(t, 1, b.Len())
}

// setTags replaces the tag allocator state for the duration of the test.
func setTags(t *testing.T, last uint64, used map[uint64]struct{}) {
	tags.mu.Lock()
	prevLast, prevUsed := tags.last, tags.used
	tags.last, tags.used = last, used
	tags.mu.Unlock()
	t.Cleanup(func() {
		tags.mu.Lock()
		tags.last, tags.used = prevLast, prevUsed
		tags.mu.Unlock()
	})
}

func TestTagsSkipLiveMapsAfterWrap(t *testing.T) {
	setTags(t, tagMask-1, map[uint64]struct{}{})

	a := CreateMap[int]("a", 0, WithRegistry(nil))
	assert.Equal(t, uint64(tagMask), a.tag)
	b := CreateMap[int]("b", 0, WithRegistry(nil))
	assert.Equal(t, uint64(1), b.tag, "zero skipped")

	// wrap around onto the tags a and b hold
	tags.mu.Lock()
	tags.last = 0
	tags.mu.Unlock()
	c := CreateMap[int]("c", 0, WithRegistry(nil))
	assert.Equal(t, uint64(2), c.tag)
	tags.mu.Lock()
	tags.last = tagMask - 1
	tags.mu.Unlock()
	d := CreateMap[int]("d", 0, WithRegistry(nil))
	assert.Equal(t, uint64(3), d.tag, "skips a, zero, b and c")

	rb := b.CreateRef(1)
	rd := d.CreateRef(2)
	assert.Equal(t, rb.index(), rd.index())
	assert.Equal(t, rb.gen(), rd.gen())
	_, ok := d.Lookup(rb)
	assert.False(t, ok)
	_, ok = a.Lookup(rd)
	assert.False(t, ok)
	runtime.KeepAlive(c)
}

func TestTagsReleasedWhenMapCollected(t *testing.T) {
	setTags(t, 0, map[uint64]struct{}{})
	func() {
		m := CreateMap[int]("gone", 0, WithRegistry(nil))
		assert.Equal(t, uint64(1), m.tag)
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		tags.mu.Lock()
		defer tags.mu.Unlock()
		_, ok := tags.used[1]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTagsExhaustedIsFatal(t *testing.T) {
	used := make(map[uint64]struct{}, tagMask)
	for tag := uint64(1); tag <= tagMask; tag++ {
		used[tag] = struct{}{}
	}
	setTags(t, 0, used)
	requireFatal(t, func() { CreateMap[int]("full", 0, WithRegistry(nil)) })
}

func TestLookupMisses(t *testing.T) {
	m := newMap[int](t, 0)
	ref := m.CreateRef(7)
	for _, tc := range [...]struct {
		name string
		ref  Ref
	}{
		{"zero", 0},
		{"index out of range", makeRef(ref.tag(), 1, 99)},
		{"wrong generation", makeRef(ref.tag(), ref.gen()+1, ref.index())},
		{"foreign tag", makeRef(ref.tag()+1, ref.gen(), ref.index())},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := m.Lookup(tc.ref)
			assert.False(t, ok)
		})
	}
}

func TestRemoveInvalidIsFatal(t *testing.T) {
	m := newMap[int](t, 0)
	ref := m.CreateRef(1)
	m.Remove(ref)
	requireFatal(t, func() { m.Remove(ref) })
	requireFatal(t, func() { m.Remove(0) })
	assert.Equal(t, uint64(1), m.Stats().Removed)
}

func TestCreateMap_InvalidArgumentsAreFatal(t *testing.T) {
	requireFatal(t, func() { CreateMap[int]("", 1) })
	requireFatal(t, func() { CreateMap[int]("neg", -1) })
}

func TestAll_SlotOrderSnapshot(t *testing.T) {
	m := newMap[int](t, 0)
	r0 := m.CreateRef(0)
	r1 := m.CreateRef(1)
	r2 := m.CreateRef(2)
	m.Remove(r1)

	var refs []Ref
	var values []int
	for ref, v := range m.All() {
		refs = append(refs, ref)
		values = append(values, v)
		m.Remove(ref)
	}
	assert.Equal(t, []Ref{r0, r2}, refs)
	assert.Equal(t, []int{0, 2}, values)
	assert.Equal(t, 0, m.Len())
}

func TestAll_StopsEarly(t *testing.T) {
	m := newMap[int](t, 0)
	for i := range 5 {
		m.CreateRef(i)
	}
	var n int
	for range m.All() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestExpectedCountIsSoftBound(t *testing.T) {
	m := CreateMap[int]("soft-bound-map", 2, WithRegistry(nil))
	for i := range 3 {
		m.CreateRef(i)
	}
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 3, m.Stats().MaxLive)
	assert.Contains(t, logs.String(), `"map":"soft-bound-map"`)
	assert.Contains(t, logs.String(), "reference map exceeds expected count")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := CreateMap[int]("a", 1, WithRegistry(r))
	CreateMap[string]("b", 1, WithRegistry(r))
	a.CreateRef(1)

	maps := r.Maps()
	require.Len(t, maps, 2)
	assert.Equal(t, "a", maps[0].Name())
	assert.Equal(t, 1, maps[0].Stats().Live)
	assert.Equal(t, "b", maps[1].Name())
}

func TestGenerationWrapSkipsZero(t *testing.T) {
	m := newMap[int](t, 0)
	ref := m.CreateRef(1)
	m.mu.Lock()
	m.slots[ref.index()].gen = genMask
	m.mu.Unlock()

	ref = makeRef(m.tag, genMask, ref.index())
	m.Remove(ref)

	next := m.CreateRef(2)
	assert.Equal(t, uint32(1), next.gen())
	assert.NotZero(t, next)
	_, ok := m.Lookup(ref)
	assert.False(t, ok)
}

// Random create/remove traces agree with a model of live references.
func TestRandomTraces(t *testing.T) {
	for seed := range uint64(20) {
		rng := rand.New(rand.NewPCG(seed, 42))
		m := newMap[int](t, 8)
		model := make(map[Ref]int)
		var dead []Ref
		for step := range 1000 {
			if len(model) == 0 || rng.IntN(2) == 0 {
				ref := m.CreateRef(step)
				_, dup := model[ref]
				require.False(t, dup)
				model[ref] = step
				continue
			}
			for ref := range model {
				m.Remove(ref)
				delete(model, ref)
				dead = append(dead, ref)
				break
			}
		}
		require.Equal(t, len(model), m.Len())
		for ref, want := range model {
			got, ok := m.Lookup(ref)
			require.True(t, ok)
			require.Equal(t, want, got)
		}
		for _, ref := range dead {
			_, ok := m.Lookup(ref)
			require.False(t, ok, "seed %d: stale %v resolved", seed, ref)
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	m := newMap[int](t, 0)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				ref := m.CreateRef(w*1000 + i)
				v, ok := m.Lookup(ref)
				if !ok || v != w*1000+i {
					t.Errorf("lookup %v: %d %v", ref, v, ok)
				}
				m.Remove(ref)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, uint64(1600), m.Stats().Created)
}
