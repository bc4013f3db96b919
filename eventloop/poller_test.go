// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterFD_HandlerCalledWithContext(t *testing.T) {
	loop := startLoop(t)
	r, w := newPipe(t)

	type call struct {
		ctx    any
		data   string
		fd     int
		events IOEvents
		onLoop bool
	}
	calls := make(chan call, 4)
	require.NoError(t, loop.RegisterFD(r, EventRead, func(fd int, events IOEvents, ctx any) {
		var buf [16]byte
		n, _ := unix.Read(fd, buf[:])
		calls <- call{ctx: ctx, data: string(buf[:max(n, 0)]), fd: fd, events: events, onLoop: loop.IsLoopThread()}
	}, "sensor"))
	assert.Equal(t, 1, loop.Stats().FDs)

	_, err := unix.Write(w, []byte("ping"))
	require.NoError(t, err)

	select {
	case c := <-calls:
		assert.Equal(t, "sensor", c.ctx)
		assert.Equal(t, "ping", c.data)
		assert.Equal(t, r, c.fd)
		assert.NotZero(t, c.events&EventRead)
		assert.True(t, c.onLoop)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.GreaterOrEqual(t, loop.Stats().FDEvents, uint64(1))
}

func TestRegisterFD_Errors(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()
	r, _ := newPipe(t)
	h := func(int, IOEvents, any) {}

	assert.ErrorIs(t, loop.RegisterFD(-1, EventRead, h, nil), ErrFDOutOfRange)
	assert.ErrorIs(t, loop.RegisterFD(MaxFDLimit, EventRead, h, nil), ErrFDOutOfRange)
	requireFatal(t, func() { _ = loop.RegisterFD(r, EventRead, nil, nil) })

	require.NoError(t, loop.RegisterFD(r, EventRead, h, nil))
	assert.ErrorIs(t, loop.RegisterFD(r, EventRead, h, nil), ErrFDAlreadyRegistered)
	require.NoError(t, loop.ModifyFD(r, EventRead|EventWrite))
	require.NoError(t, loop.UnregisterFD(r))
	assert.ErrorIs(t, loop.UnregisterFD(r), ErrFDNotRegistered)
	assert.ErrorIs(t, loop.ModifyFD(r, EventRead), ErrFDNotRegistered)
	assert.ErrorIs(t, loop.UnregisterFD(-1), ErrFDOutOfRange)

	require.NoError(t, loop.Close())
	assert.ErrorIs(t, loop.RegisterFD(r, EventRead, h, nil), ErrPollerClosed)
}

func TestRegisterFD_LargeDescriptorGrowsTable(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()
	r, _ := newPipe(t)

	high := initialFDs + 10
	require.NoError(t, unix.Dup2(r, high))
	defer unix.Close(high)

	require.NoError(t, loop.RegisterFD(high, EventRead, func(int, IOEvents, any) {}, nil))
	require.NoError(t, loop.UnregisterFD(high))
}

func TestUnregisterFD_DiscardsCollectedReadiness(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()
	r, w := newPipe(t)

	var calls int
	require.NoError(t, loop.RegisterFD(r, EventRead, func(int, IOEvents, any) { calls++ }, nil))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	// collect the readiness, then unregister before it runs
	loop.poll(false)
	require.NoError(t, loop.UnregisterFD(r))

	assert.Equal(t, 1, loop.Stats().Queued)
	require.NoError(t, loop.ServiceLoop())
	assert.Equal(t, 0, calls)
	assert.Equal(t, uint64(1), loop.Stats().Skipped)
}

func TestRegisterFD_NotStarvedByBusyQueue(t *testing.T) {
	loop := startLoop(t)
	r, w := newPipe(t)

	var stop atomic.Bool
	t.Cleanup(func() { stop.Store(true) })
	var spins, spinsAtFire atomic.Int64
	fired := make(chan struct{})
	require.NoError(t, loop.RegisterFD(r, EventRead, func(fd int, _ IOEvents, _ any) {
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		spinsAtFire.Store(spins.Load())
		close(fired)
	}, nil))

	// keeps the queue non-empty until stopped
	var spin func()
	spin = func() {
		if spins.Add(1) == 1 {
			_, err := unix.Write(w, []byte("x"))
			assert.NoError(t, err)
		}
		if !stop.Load() {
			assert.NoError(t, loop.Submit(spin))
		}
	}
	require.NoError(t, loop.Submit(spin))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("fd handler not called after %d spins", spins.Load())
	}
	assert.False(t, stop.Load())
	assert.Greater(t, spinsAtFire.Load(), int64(0))
	assert.Less(t, spinsAtFire.Load(), int64(1000), "readiness collected within a few units")
	stop.Store(true)
}

func TestPoll_ReadinessQueuedOncePerUnit(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()
	r, w := newPipe(t)

	var calls int
	// never reads, so the descriptor stays readable
	require.NoError(t, loop.RegisterFD(r, EventRead, func(int, IOEvents, any) { calls++ }, nil))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	loop.poll(false)
	loop.poll(false)
	assert.Equal(t, 1, loop.Stats().Queued)

	require.NoError(t, loop.ServiceLoop())
	assert.Equal(t, 1, calls)
	require.NoError(t, loop.ServiceLoop())
	assert.Equal(t, 2, calls, "reported again once the unit ran")

	var buf [8]byte
	_, err = unix.Read(r, buf[:])
	require.NoError(t, err)
	assert.ErrorIs(t, loop.ServiceLoop(), ErrWouldBlock)
	assert.Equal(t, 2, calls)
}

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "none", IOEvents(0).String())
	assert.Equal(t, "read", EventRead.String())
	assert.Equal(t, "read|hangup", (EventRead | EventHangup).String())
	assert.Equal(t, "read|write|error|hangup", (EventRead | EventWrite | EventError | EventHangup).String())
}
