// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package timer implements timers dispatched by an [eventloop.Loop].
//
// Each loop multiplexes all of its running timers onto a single timerfd,
// armed (in absolute monotonic time) for the earliest expiry. Expiry
// handlers run on the loop, so a timer belongs to the loop it was created
// for, and may only be changed from that loop's goroutine while it runs.
// Accessors such as [Timer.ExpiryCount] skip that check, but are not
// synchronized with the loop.
//
// A timer is Idle until started, then Active until it expires for the last
// time (see [Timer.SetRepeat]) or is stopped. Starting an active timer is
// fatal; configuring one returns [ErrBusy].
package timer

import (
	"errors"
	"time"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/eventloop"
	"github.com/joeycumines/go-devrt/mempool"
)

const component = "timer"

// ErrBusy is returned when configuring a running timer.
var ErrBusy = errors.New("timer: timer is running")

// Handler is called, on the timer's loop, each time the timer expires.
type Handler func(t *Timer)

// Timer is a handle to a pool-allocated timer. It is invalid after
// [Timer.Delete].
type Timer struct {
	obj *mempool.Object[entry]
}

type entry struct {
	timer    *Timer
	rec      *record
	handler  Handler
	ctx      any
	name     string
	interval time.Duration
	// expiry is in monotonic nanoseconds.
	expiry      int64
	repeat      uint32
	expiryCount uint32
	active      bool
}

var entryPool = mempool.MustNew[entry](nil, "timer.Timer", mempool.WithGrowBy(16))

// New creates an idle timer owned by loop, which repeats once and has no
// interval or handler.
func New(loop *eventloop.Loop, name string) *Timer {
	if loop == nil {
		diag.Fatalf(component, "create timer %q on nil loop", name)
	}
	checkOwner(loop, name, "create")
	rec := recordFor(loop)
	if rec.closed {
		diag.Fatalf(component, "create timer %q on terminated loop %q", name, loop.Name())
	}
	t := &Timer{obj: entryPool.Alloc()}
	e := t.obj.Ptr()
	e.timer = t
	e.rec = rec
	e.name = name
	e.repeat = 1
	return t
}

// entry returns the timer's state for a change, enforcing that the timer is
// live and used from its owner.
func (t *Timer) entry(op string) *entry {
	e := t.live(op)
	checkOwner(e.rec.loop, e.name, op)
	return e
}

// live returns the timer's state for a read. The owner is not checked, as
// reads are frequent within handlers.
func (t *Timer) live(op string) *entry {
	if t == nil || t.obj == nil {
		diag.Fatalf(component, "%s of deleted or nil timer", op)
	}
	return t.obj.Ptr()
}

func checkOwner(loop *eventloop.Loop, name, op string) {
	switch loop.State() {
	case eventloop.StateRunning, eventloop.StateSleeping, eventloop.StateTerminating:
		if !loop.IsLoopThread() {
			diag.Fatalf(component, "%s of timer %q outside its loop %q", op, name, loop.Name())
		}
	}
}

// Delete stops the timer and returns it to the pool.
func (t *Timer) Delete() {
	e := t.entry("delete")
	if e.active {
		e.rec.remove(e)
	}
	obj := t.obj
	t.obj = nil
	obj.Release()
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.live("name").name }

// Loop returns the loop the timer belongs to.
func (t *Timer) Loop() *eventloop.Loop { return t.live("loop").rec.loop }

// SetHandler sets the expiry handler. A nil handler is allowed.
func (t *Timer) SetHandler(h Handler) error {
	e := t.entry("set handler")
	if e.active {
		return ErrBusy
	}
	e.handler = h
	return nil
}

// SetInterval sets the time between start (or the previous expiry) and
// expiry. A non-positive interval is fatal.
func (t *Timer) SetInterval(d time.Duration) error {
	e := t.entry("set interval")
	if d <= 0 {
		diag.Fatalf(component, "timer %q: non-positive interval %v", e.name, d)
	}
	if e.active {
		return ErrBusy
	}
	e.interval = d
	return nil
}

// Interval returns the timer's interval.
func (t *Timer) Interval() time.Duration { return t.live("interval").interval }

// SetRepeat sets the number of expiries before the timer stops. Zero means
// repeat forever. The default is one.
func (t *Timer) SetRepeat(n uint32) error {
	e := t.entry("set repeat")
	if e.active {
		return ErrBusy
	}
	e.repeat = n
	return nil
}

// Repeat returns the timer's repeat count.
func (t *Timer) Repeat() uint32 { return t.live("repeat").repeat }

// SetContext sets a value available to the handler via [Timer.Context].
func (t *Timer) SetContext(ctx any) error {
	e := t.entry("set context")
	if e.active {
		return ErrBusy
	}
	e.ctx = ctx
	return nil
}

// Context returns the timer's context value.
func (t *Timer) Context() any { return t.live("context").ctx }

// Start starts the timer, first expiring one interval from now. The expiry
// count is reset. Starting an active timer, or one without an interval, is
// fatal.
func (t *Timer) Start() {
	e := t.entry("start")
	if e.active {
		diag.Fatalf(component, "start of running timer %q", e.name)
	}
	if e.interval <= 0 {
		diag.Fatalf(component, "start of timer %q without an interval", e.name)
	}
	if e.rec.closed {
		diag.Fatalf(component, "start of timer %q on terminated loop %q", e.name, e.rec.loop.Name())
	}
	e.expiryCount = 0
	e.expiry = monotonicNow() + int64(e.interval)
	e.rec.insert(e)
}

// Stop cancels any future expiry. Stopping an idle timer does nothing.
func (t *Timer) Stop() {
	e := t.entry("stop")
	if e.active {
		e.rec.remove(e)
	}
}

// Restart stops the timer if it is running, then starts it.
func (t *Timer) Restart() {
	t.Stop()
	t.Start()
}

// IsRunning returns true if the timer is active.
func (t *Timer) IsRunning() bool { return t.live("is running").active }

// ExpiryCount returns the number of expiries since the timer was last
// started.
func (t *Timer) ExpiryCount() uint32 { return t.live("expiry count").expiryCount }

// TimeRemaining returns the time until the next expiry, or zero if the timer
// is idle.
func (t *Timer) TimeRemaining() time.Duration {
	e := t.live("time remaining")
	if !e.active {
		return 0
	}
	return time.Duration(max(e.expiry-monotonicNow(), 0))
}
