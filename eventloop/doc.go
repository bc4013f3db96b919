// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package eventloop implements per-thread cooperative event loops.
//
// Each [Loop] is run by exactly one goroutine, locked to an OS thread. The
// loop alternates between waiting (blocked in epoll until a registered
// descriptor is ready, or work is queued) and dispatching, running each unit
// of work to completion before the next. Units are:
//
//   - functions queued with [QueueFunctionToThread] or [Loop.Submit]
//   - event deliveries, from [Report] and [ReportWithRefCounting]
//   - descriptor readiness, for descriptors registered with [Loop.RegisterFD]
//
// All units run in the order they were queued.
//
// # Events
//
// An [EventID] is process-wide. Handlers are added to it by a loop, and are
// always called on that loop, in registration order:
//
//	id := eventloop.CreateEventID("temperature")
//	ref := eventloop.AddHandler(loop, id, func(payload, ctx any) {
//	    // on loop
//	})
//	eventloop.Report(id, 42)
//
// When reporting reference counted payloads (such as [*mempool.Object]),
// ownership of the caller's reference passes to the loop, and the payload
// is released after the last handler has run.
//
// # Threads
//
// [StartThread] creates a loop and runs it on a new goroutine. A loop's
// handlers are removed, and its pending deliveries released, when it
// terminates.
//
// # Integration
//
// A loop may instead be serviced from another poller: wait for [Loop.FD] to
// become readable, then call [Loop.ServiceLoop] until it returns
// [ErrWouldBlock].
//
// This package requires Linux.
package eventloop
