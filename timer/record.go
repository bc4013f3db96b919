// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timer

import (
	"slices"
	"sort"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/eventloop"
	"golang.org/x/sys/unix"
)

type recordKey struct{}

// record is the per-loop timer state: the active timers, sorted by expiry
// (ties in start order), multiplexed onto one timerfd.
type record struct {
	loop   *eventloop.Loop
	active []*entry
	// first is the timer currently armed on the timerfd.
	first  *entry
	batch  []*Timer
	fd     int
	closed bool
}

// recordFor returns loop's record, creating it (and its timerfd) on first
// use.
func recordFor(loop *eventloop.Loop) *record {
	return loop.Local(recordKey{}, func() any {
		return newRecord(loop)
	}).(*record)
}

func newRecord(loop *eventloop.Loop) *record {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		diag.Fatalf(component, "create timerfd for loop %q: %v", loop.Name(), err)
	}
	r := &record{loop: loop, fd: fd}
	if err := loop.RegisterFD(fd, eventloop.EventRead, r.onReady, nil); err != nil {
		_ = unix.Close(fd)
		diag.Fatalf(component, "register timerfd on loop %q: %v", loop.Name(), err)
	}
	if err := loop.OnTerminate(r.close); err != nil {
		_ = loop.UnregisterFD(fd)
		_ = unix.Close(fd)
		diag.Fatalf(component, "timers on terminated loop %q: %v", loop.Name(), err)
	}
	return r
}

// insert adds e after every timer expiring at or before it, re-arming if it
// is the new head.
func (r *record) insert(e *entry) {
	if r.insertQuiet(e) == 0 {
		r.arm()
	}
}

func (r *record) remove(e *entry) {
	for i, v := range r.active {
		if v == e {
			r.active = slices.Delete(r.active, i, i+1)
			break
		}
	}
	e.active = false
	if r.first == e {
		r.arm()
	}
}

// arm sets the timerfd to the head timer's expiry, or disarms it.
func (r *record) arm() {
	if r.closed {
		return
	}
	var spec unix.ItimerSpec
	r.first = nil
	if len(r.active) > 0 {
		r.first = r.active[0]
		spec.Value = unix.NsecToTimespec(r.first.expiry)
	}
	if err := unix.TimerfdSettime(r.fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		diag.Fatalf(component, "arm timerfd for loop %q: %v", r.loop.Name(), err)
	}
}

// onReady runs on the loop when the timerfd fires. Every expired timer is
// collected, repeating ones are re-inserted, the timerfd is re-armed, then
// the handlers run in expiry order.
func (r *record) onReady(fd int, _ eventloop.IOEvents, _ any) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])

	now := monotonicNow()
	batch := r.batch[:0]
	for len(r.active) > 0 && r.active[0].expiry <= now {
		e := r.active[0]
		r.active[0] = nil
		r.active = r.active[1:]
		e.active = false
		batch = append(batch, e.timer)
	}
	for _, t := range batch {
		e := t.obj.Ptr()
		e.expiryCount++
		if e.repeat == 0 || e.expiryCount < e.repeat {
			e.expiry = now + int64(e.interval)
			r.insertQuiet(e)
		}
	}
	r.arm()

	for i, t := range batch {
		batch[i] = nil
		if t.obj == nil {
			// deleted by an earlier handler
			continue
		}
		if h := t.obj.Ptr().handler; h != nil {
			r.call(t, h)
		}
	}
	r.batch = batch[:0]
}

// insertQuiet inserts without re-arming, returning the position.
func (r *record) insertQuiet(e *entry) int {
	i := sort.Search(len(r.active), func(i int) bool {
		return r.active[i].expiry > e.expiry
	})
	r.active = slices.Insert(r.active, i, e)
	e.active = true
	return i
}

func (r *record) call(t *Timer, h Handler) {
	name := t.obj.Ptr().name
	defer func() {
		if v := recover(); v != nil {
			if _, ok := diag.AsFatal(v); ok {
				panic(v)
			}
			diag.Logger().Err().
				Str("loop", r.loop.Name()).
				Str("timer", name).
				Any("panic", v).
				Log("timer: handler panicked")
		}
	}()
	h(t)
}

// close is the loop teardown hook.
func (r *record) close() {
	if r.closed {
		return
	}
	for _, e := range r.active {
		e.active = false
	}
	clear(r.active)
	r.active = nil
	r.first = nil
	r.closed = true
	_ = r.loop.UnregisterFD(r.fd)
	_ = unix.Close(r.fd)
}
