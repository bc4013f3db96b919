// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package eventloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// createWakeFd returns a non-blocking eventfd used to wake the poller.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// submitWakeup writes to the wake-up eventfd.
//
// Wake-up Policy:
//   - REJECTS: StateTerminated (nothing left to process)
//   - ALLOWS: every other state, including StateAwake, so that a loop serviced
//     via [Loop.FD] and [Loop.ServiceLoop] observes queued work
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakeFd, buf)
	return err
}

// wake signals the loop, at most once until the loop drains the eventfd.
func (l *Loop) wake() {
	if l.state.Load() == StateRunning {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			// expected during teardown (EBADF), the work is already queued
			l.wakePending.Store(0)
		}
	}
}

// drainWakeUpPipe drains the wake-up eventfd.
func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}
