// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MaxFDLimit is the largest file descriptor that can be registered.
const MaxFDLimit = 100000000

// initialFDs is the initial size of the descriptor table.
const initialFDs = 1024

// IOEvents represents I/O event types, as a bitmask.
type IOEvents uint32

const (
	// EventRead indicates the FD is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the FD is writable.
	EventWrite
	// EventError indicates an error condition. Always reported.
	EventError
	// EventHangup indicates the peer hung up. Always reported.
	EventHangup
)

// String returns the set of events, e.g. "read|hangup".
func (e IOEvents) String() string {
	var s string
	for _, v := range [...]struct {
		name string
		ev   IOEvents
	}{
		{"read", EventRead},
		{"write", EventWrite},
		{"error", EventError},
		{"hangup", EventHangup},
	} {
		if e&v.ev != 0 {
			if s != "" {
				s += "|"
			}
			s += v.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// FD errors.
var (
	// ErrFDOutOfRange is returned when the FD is negative or exceeds MaxFDLimit.
	ErrFDOutOfRange = errors.New("eventloop: fd out of range (max 100000000)")

	// ErrFDAlreadyRegistered is returned when attempting to register an FD that's already registered.
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")

	// ErrFDNotRegistered is returned when attempting to modify/unregister an FD that's not registered.
	ErrFDNotRegistered = errors.New("eventloop: fd not registered")

	// ErrPollerClosed is returned when the poller has been closed.
	ErrPollerClosed = errors.New("eventloop: poller closed")
)

// FDHandler handles readiness of a registered file descriptor. It is called
// on the loop goroutine with the context value given at registration.
type FDHandler func(fd int, events IOEvents, ctx any)

// fdInfo stores per-FD registration.
type fdInfo struct {
	handler FDHandler
	ctx     any
	// gen identifies the registration, so readiness collected for a previous
	// registration of the same descriptor is discarded.
	gen    uint64
	events IOEvents
	active bool
	// queued is set while a readiness unit for the registration is queued.
	queued bool
}

// readiness is one ready descriptor, collected by poll.
type readiness struct {
	fd     int
	gen    uint64
	events IOEvents
}

// poller is the epoll based descriptor multiplexer. Readiness is collected by
// poll and handed to the caller, never dispatched inline.
type poller struct { // betteralign:ignore
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	fdMu     sync.RWMutex
	lastGen  uint64
	count    int
	epfd     int
	closed   atomic.Bool
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *poller) close() error {
	if p.closed.Swap(true) {
		return ErrPollerClosed
	}
	p.fdMu.Lock()
	p.fds = nil
	p.count = 0
	p.fdMu.Unlock()
	return unix.Close(p.epfd)
}

func (p *poller) register(fd int, events IOEvents, handler FDHandler, ctx any) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) {
		newSize := min(fd*2+1, MaxFDLimit)
		newFds := make([]fdInfo, newSize)
		copy(newFds, p.fds)
		p.fds = newFds
	}
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.lastGen++
	p.fds[fd] = fdInfo{handler: handler, ctx: ctx, gen: p.lastGen, events: events, active: true}
	p.count++
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{} // rollback
		p.count--
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.count--
	p.fdMu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// registered returns the number of registered descriptors.
func (p *poller) registered() int {
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	return p.count
}

// take returns the registration for fd, if it is still the one identified
// by gen, and allows its readiness to be collected again.
func (p *poller) take(fd int, gen uint64) (fdInfo, bool) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd < 0 || fd >= len(p.fds) {
		return fdInfo{}, false
	}
	info := &p.fds[fd]
	if !info.active || info.gen != gen {
		return fdInfo{}, false
	}
	info.queued = false
	return *info, true
}

// poll waits up to timeoutMs (-1 blocks) and appends each ready descriptor
// to out. A descriptor is not reported again until its unit is taken.
func (p *poller) poll(timeoutMs int, out []readiness) ([]readiness, error) {
	if p.closed.Load() {
		return out, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}

	p.fdMu.Lock()
	for i := range n {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active || p.fds[fd].queued {
			continue
		}
		// the loop's own wake-up descriptor has no handler, and no unit
		p.fds[fd].queued = p.fds[fd].handler != nil
		out = append(out, readiness{
			fd:     fd,
			gen:    p.fds[fd].gen,
			events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	p.fdMu.Unlock()
	return out, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
